package convention

import (
	"unsafe"

	"github.com/hookdyn/hookdyn/diag"
)

// Microsoft x64 argument registers, strictly positional.
var (
	msIntOrder   = []Register{RCX, RDX, R8, R9}
	msFloatOrder = []Register{XMM0, XMM1, XMM2, XMM3}
)

// shadow space the caller reserves for the four register arguments
const msShadowSpace = 32

type microsoftX64 struct {
	returnReg Register
}

// NewMicrosoftX64 builds a Microsoft x64 convention: the first four
// arguments map positionally to RCX RDX R8 R9 or XMM0-XMM3, later
// arguments and values wider than a register go to the stack after the
// 32-byte shadow space. 8 is the alignment.
func NewMicrosoftX64(args []DataObject, ret DataObject, observer diag.Observer) *Convention {
	const alignment = 8
	for i := range args {
		arg := &args[i]
		if arg.Reg != None || i >= len(msIntOrder) {
			continue
		}
		size, _ := DataTypeSize(arg.Type, alignment)
		if arg.Size != 0 {
			size = arg.Size
		}
		if size == 0 || size > 8 {
			// larger values are passed by reference by the caller, the
			// descriptor owner models that with an explicit Pointer
			continue
		}
		if arg.IsFloat() {
			arg.Reg = msFloatOrder[i]
		} else {
			arg.Reg = msIntOrder[i]
		}
	}
	returnReg := None
	if ret.Type != Void {
		if ret.IsFloat() || ret.IsHVA() {
			returnReg = XMM0
		} else {
			returnReg = RAX
		}
		if ret.Reg != None {
			returnReg = ret.Reg
		}
	}
	ret.Reg = returnReg
	return newConvention(&microsoftX64{returnReg: returnReg}, args, ret, alignment, observer)
}

func (v *microsoftX64) registers(c *Convention) []Register {
	regs := []Register{RSP}
	for i := range c.args {
		if c.args[i].Reg != None {
			regs = append(regs, c.args[i].Reg)
		}
	}
	if v.returnReg != None {
		regs = append(regs, v.returnReg)
	}
	return regs
}

func (v *microsoftX64) argumentPtr(c *Convention, index int, regs *Registers) unsafe.Pointer {
	arg := &c.args[index]
	if arg.Reg != None {
		return regs.Ptr(arg.Reg)
	}
	base := uintptr(v.stackArgumentPtr(c, regs))
	return unsafe.Pointer(base + uintptr(c.stackArgumentOffset(index)))
}

func (v *microsoftX64) stackArgumentPtr(c *Convention, regs *Registers) unsafe.Pointer {
	// return address, then the shadow space, then stack arguments
	return unsafe.Pointer(regs.StackPointer() + 8 + msShadowSpace)
}

func (v *microsoftX64) returnPtr(c *Convention, regs *Registers) unsafe.Pointer {
	return regs.Ptr(v.returnReg)
}

func (v *microsoftX64) popSize(*Convention) int {
	return 0
}
