package convention

import (
	"unsafe"

	"github.com/hookdyn/hookdyn/diag"
)

type pureStack struct {
	returnReg  Register
	calleePops bool
	ptrSize    int
}

func newPureStack(args []DataObject, ret DataObject, alignment int, calleePops bool, observer diag.Observer) *Convention {
	// every argument lives on the stack regardless of type
	for i := range args {
		args[i].Reg = None
	}
	returnReg := None
	if ret.Type != Void {
		if ret.IsFloat() || ret.IsHVA() {
			returnReg = XMM0
		} else {
			returnReg = RAX
		}
	}
	ret.Reg = returnReg
	v := &pureStack{returnReg: returnReg, calleePops: calleePops, ptrSize: 8}
	return newConvention(v, args, ret, alignment, observer)
}

// NewCdecl builds a pure stack convention with caller cleanup: all
// arguments are pushed in declaration order, the caller removes them
// after the call, so PopSize is 0.
func NewCdecl(args []DataObject, ret DataObject, observer diag.Observer) *Convention {
	return newPureStack(args, ret, 4, false, observer)
}

// NewStdcall builds a pure stack convention with callee cleanup: the
// callee removes the arguments on return, so the caller must pop
// ArgStackSize bytes less, reported through PopSize.
func NewStdcall(args []DataObject, ret DataObject, observer diag.Observer) *Convention {
	return newPureStack(args, ret, 4, true, observer)
}

func (v *pureStack) registers(c *Convention) []Register {
	regs := []Register{RSP}
	if v.returnReg != None {
		regs = append(regs, v.returnReg)
	}
	return regs
}

func (v *pureStack) argumentPtr(c *Convention, index int, regs *Registers) unsafe.Pointer {
	base := uintptr(v.stackArgumentPtr(c, regs))
	return unsafe.Pointer(base + uintptr(c.stackArgumentOffset(index)))
}

func (v *pureStack) stackArgumentPtr(c *Convention, regs *Registers) unsafe.Pointer {
	return unsafe.Pointer(regs.StackPointer() + uintptr(v.ptrSize))
}

func (v *pureStack) returnPtr(c *Convention, regs *Registers) unsafe.Pointer {
	return regs.Ptr(v.returnReg)
}

func (v *pureStack) popSize(c *Convention) int {
	if v.calleePops {
		return c.ArgStackSize()
	}
	return 0
}
