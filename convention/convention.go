package convention

import (
	"unsafe"

	"github.com/hookdyn/hookdyn/diag"
	"github.com/hookdyn/hookdyn/internal/memory"
)

// abi supplies the placement primitives of one concrete calling
// convention. The set of implementations is closed: every variant lives
// in this package.
type abi interface {
	registers(c *Convention) []Register
	argumentPtr(c *Convention, index int, regs *Registers) unsafe.Pointer
	stackArgumentPtr(c *Convention, regs *Registers) unsafe.Pointer
	returnPtr(c *Convention, regs *Registers) unsafe.Pointer
	popSize(c *Convention) int
}

// argumentNotifier is implemented by variants that must synchronize
// extra backing locations after an argument pointer was relocated.
type argumentNotifier interface {
	onArgumentPtrChanged(c *Convention, index int, regs *Registers, ptr unsafe.Pointer)
}

// returnNotifier is the return value counterpart of argumentNotifier.
type returnNotifier interface {
	onReturnPtrChanged(c *Convention, regs *Registers, ptr unsafe.Pointer)
}

// Convention describes the arguments and return value of one function
// and how a concrete ABI places them. Construct through one of the
// variant constructors (NewSystemVAmd64, NewMicrosoftX64, NewCdecl,
// NewStdcall), which assign storage locations and initialize the
// derived sizes exactly once.
type Convention struct {
	abi abi

	args      []DataObject
	ret       DataObject
	alignment int

	stackSize    int
	registerSize int
	initialized  bool

	// saved snapshots, most recent last; every nesting level of a
	// reentrant call pushes its own buffer and must pop it before the
	// outer level restores
	savedReturns [][]byte
	savedArgs    [][]byte

	observer diag.Observer
}

func newConvention(a abi, args []DataObject, ret DataObject, alignment int, observer diag.Observer) *Convention {
	if observer == nil {
		observer = diag.Nop
	}
	c := &Convention{
		abi:       a,
		args:      args,
		ret:       ret,
		alignment: alignment,
		observer:  observer,
	}
	c.init()
	return c
}

// init fills in unset sizes and partitions the total argument bytes
// into the stack and register accumulators. Runs exactly once.
func (c *Convention) init() {
	if c.initialized {
		return
	}
	c.stackSize = 0
	c.registerSize = 0
	for i := range c.args {
		arg := &c.args[i]
		if arg.Size == 0 {
			size, ok := DataTypeSize(arg.Type, c.alignment)
			if !ok {
				diag.Emitf(c.observer, diag.Error, "convention",
					"unknown size for data type %s, argument %d stays zero sized", arg.Type, i)
			}
			arg.Size = size
		}
		if arg.Reg == None {
			c.stackSize += arg.Size
		} else {
			c.registerSize += arg.Size
		}
	}
	if c.ret.Size == 0 {
		size, ok := DataTypeSize(c.ret.Type, c.alignment)
		if !ok {
			diag.Emitf(c.observer, diag.Error, "convention",
				"unknown size for return data type %s", c.ret.Type)
		}
		c.ret.Size = size
	}
	c.initialized = true
}

// Registers returns the physical registers this convention reads and
// writes. The bridge captures exactly these before any other method of
// the convention may run.
func (c *Convention) Registers() []Register {
	return c.abi.registers(c)
}

// Arguments returns the argument descriptors in declaration order.
func (c *Convention) Arguments() []DataObject {
	return c.args
}

// Return returns the return value descriptor.
func (c *Convention) Return() DataObject {
	return c.ret
}

// Alignment returns the alignment the sizes were derived with.
func (c *Convention) Alignment() int {
	return c.alignment
}

// ArgStackSize returns the total bytes of stack-passed arguments.
func (c *Convention) ArgStackSize() int {
	return c.stackSize
}

// ArgRegisterSize returns the total bytes of register-passed arguments.
func (c *Convention) ArgRegisterSize() int {
	return c.registerSize
}

// PopSize returns the bytes the caller removes from the stack after the
// call, 0 for conventions where the caller never adjusts it.
func (c *Convention) PopSize() int {
	return c.abi.popSize(c)
}

// ArgumentPtr returns a live pointer to argument index inside the
// snapshot or the stack frame. index must be < len(Arguments()). The
// pointer is valid exactly as long as regs, writes through it are
// observed by the target function on resumption.
func (c *Convention) ArgumentPtr(index int, regs *Registers) unsafe.Pointer {
	return c.abi.argumentPtr(c, index, regs)
}

// StackArgumentPtr returns a live pointer to the first stack-passed
// argument of the frame the snapshot was captured in.
func (c *Convention) StackArgumentPtr(regs *Registers) unsafe.Pointer {
	return c.abi.stackArgumentPtr(c, regs)
}

// ReturnPtr returns a live pointer to the return value slot.
func (c *Convention) ReturnPtr(regs *Registers) unsafe.Pointer {
	return c.abi.returnPtr(c, regs)
}

// OnArgumentPtrChanged notifies the variant that the backing storage of
// argument index was relocated externally. Default is a no-op.
func (c *Convention) OnArgumentPtrChanged(index int, regs *Registers, ptr unsafe.Pointer) {
	if n, ok := c.abi.(argumentNotifier); ok {
		n.onArgumentPtrChanged(c, index, regs, ptr)
	}
}

// OnReturnPtrChanged notifies the variant that the return value backing
// storage was relocated externally. Default is a no-op.
func (c *Convention) OnReturnPtrChanged(regs *Registers, ptr unsafe.Pointer) {
	if n, ok := c.abi.(returnNotifier); ok {
		n.onReturnPtrChanged(c, regs, ptr)
	}
}

// SaveReturnValue snapshots the current return slot bytes into a new
// owned buffer. Must be paired with RestoreReturnValue, used around
// calling the original function when a callback wants to override what
// it produced.
func (c *Convention) SaveReturnValue(regs *Registers) {
	buf := make([]byte, c.ret.Size)
	copy(buf, memory.BytesPtr(c.ReturnPtr(regs), c.ret.Size))
	c.savedReturns = append(c.savedReturns, buf)
}

// RestoreReturnValue pops the most recently saved return value back into
// the live return slot. Calling it without a matching SaveReturnValue is
// a programming error.
func (c *Convention) RestoreReturnValue(regs *Registers) {
	n := len(c.savedReturns)
	if n == 0 {
		panic("convention: RestoreReturnValue without matching SaveReturnValue")
	}
	buf := c.savedReturns[n-1]
	c.savedReturns = c.savedReturns[:n-1]
	copy(memory.BytesPtr(c.ReturnPtr(regs), c.ret.Size), buf)
	var p unsafe.Pointer
	if len(buf) > 0 {
		p = unsafe.Pointer(&buf[0])
	}
	c.OnReturnPtrChanged(regs, p)
}

// SaveCallArguments snapshots every argument, concatenated in
// declaration order, into a new owned buffer sized to the stack and
// register totals. Must happen before the original function runs, its
// body may reuse argument storage for temporaries.
func (c *Convention) SaveCallArguments(regs *Registers) {
	buf := make([]byte, c.stackSize+c.registerSize)
	offset := 0
	for i := range c.args {
		size := c.args[i].Size
		copy(buf[offset:offset+size], memory.BytesPtr(c.ArgumentPtr(i, regs), size))
		offset += size
	}
	c.savedArgs = append(c.savedArgs, buf)
}

// RestoreCallArguments pops the most recently saved argument snapshot
// back into the live argument storage. Calling it without a matching
// SaveCallArguments is a programming error.
func (c *Convention) RestoreCallArguments(regs *Registers) {
	n := len(c.savedArgs)
	if n == 0 {
		panic("convention: RestoreCallArguments without matching SaveCallArguments")
	}
	buf := c.savedArgs[n-1]
	c.savedArgs = c.savedArgs[:n-1]
	offset := 0
	for i := range c.args {
		size := c.args[i].Size
		copy(memory.BytesPtr(c.ArgumentPtr(i, regs), size), buf[offset:offset+size])
		offset += size
	}
}

// SavedDepth returns how many unbalanced save pairs are outstanding,
// exposed so callers can verify LIFO discipline.
func (c *Convention) SavedDepth() (returns, arguments int) {
	return len(c.savedReturns), len(c.savedArgs)
}

// stackArgumentOffset returns the byte offset of stack argument index
// within the stack argument area, arguments keep declaration order.
func (c *Convention) stackArgumentOffset(index int) int {
	offset := 0
	for i := 0; i < index; i++ {
		if c.args[i].Reg == None {
			offset += c.args[i].Size
		}
	}
	return offset
}
