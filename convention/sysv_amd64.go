package convention

import (
	"unsafe"

	"github.com/hookdyn/hookdyn/diag"
)

// System V AMD64 argument register order.
var (
	sysVIntOrder   = []Register{RDI, RSI, RDX, RCX, R8, R9}
	sysVFloatOrder = []Register{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}
)

type systemVAmd64 struct {
	returnReg Register
}

// NewSystemVAmd64 builds a System V AMD64 convention: two register
// classes, integer and pointer arguments through RDI RSI RDX RCX R8 R9,
// floating point and 128-bit vector arguments through XMM0-XMM7,
// everything that does not fit goes to the stack in declaration order.
// Arguments with an explicit Reg keep it; 8 is the alignment.
func NewSystemVAmd64(args []DataObject, ret DataObject, observer diag.Observer) *Convention {
	const alignment = 8
	intIdx, fltIdx := 0, 0
	for i := range args {
		arg := &args[i]
		if arg.Reg != None {
			continue
		}
		size, _ := DataTypeSize(arg.Type, alignment)
		if arg.Size != 0 {
			size = arg.Size
		}
		switch {
		case (arg.IsFloat() || arg.Type == M128) && fltIdx < len(sysVFloatOrder):
			arg.Reg = sysVFloatOrder[fltIdx]
			fltIdx++
		case !arg.IsFloat() && !arg.IsHVA() && size <= 8 && size > 0 && intIdx < len(sysVIntOrder):
			arg.Reg = sysVIntOrder[intIdx]
			intIdx++
		}
		// wider vectors and aggregates stay on the stack
	}
	returnReg := None
	if ret.Type != Void {
		if ret.IsFloat() || ret.Type == M128 {
			returnReg = XMM0
		} else {
			returnReg = RAX
		}
		if ret.Reg != None {
			returnReg = ret.Reg
		}
	}
	ret.Reg = returnReg
	return newConvention(&systemVAmd64{returnReg: returnReg}, args, ret, alignment, observer)
}

func (v *systemVAmd64) registers(c *Convention) []Register {
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

func (v *systemVAmd64) argumentPtr(c *Convention, index int, regs *Registers) unsafe.Pointer {
	arg := &c.args[index]
	if arg.Reg != None {
		return regs.Ptr(arg.Reg)
	}
	base := uintptr(v.stackArgumentPtr(c, regs))
	return unsafe.Pointer(base + uintptr(c.stackArgumentOffset(index)))
}

func (v *systemVAmd64) stackArgumentPtr(c *Convention, regs *Registers) unsafe.Pointer {
	// the frame holds the return address at [rsp], stack arguments follow
	return unsafe.Pointer(regs.StackPointer() + 8)
}

func (v *systemVAmd64) returnPtr(c *Convention, regs *Registers) unsafe.Pointer {
	return regs.Ptr(v.returnReg)
}

func (v *systemVAmd64) popSize(*Convention) int {
	return 0
}
