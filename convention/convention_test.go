package convention

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/hookdyn/hookdyn/diag"
	"github.com/hookdyn/hookdyn/internal/memory"
)

// newFrame builds a snapshot whose stack pointer references a test-owned
// frame buffer laid out like a real call frame: return address at [rsp],
// stack arguments right after it.
func newFrame(t *testing.T, size int, regs ...Register) (*Registers, []byte) {
	frame := make([]byte, size)
	snapshot := NewRegisters(append([]Register{RSP}, regs...)...)
	snapshot.SetUintptr(RSP, uintptr(unsafe.Pointer(&frame[0])))
	require.Equal(t, uintptr(unsafe.Pointer(&frame[0])), snapshot.StackPointer())
	return snapshot, frame
}

func TestInitSizePartition(t *testing.T) {
	// one stack-passed 4 byte int, one register-passed 8 byte pointer,
	// alignment 8: the int aligns up to 8 on the stack side
	args := []DataObject{
		{Type: Int32, Reg: None},
		{Type: Pointer, Reg: RDI},
	}
	c := newConvention(&systemVAmd64{returnReg: RAX}, args, DataObject{Type: Int64}, 8, diag.Nop)

	require.Equal(t, 8, c.ArgStackSize())
	require.Equal(t, 8, c.ArgRegisterSize())
	require.Equal(t, 8, c.Return().Size)
	require.Equal(t, 0, c.PopSize())
}

func TestInitUnknownType(t *testing.T) {
	collector := diag.NewCollector()
	args := []DataObject{{Type: Object, Reg: None}}
	c := newConvention(&systemVAmd64{returnReg: RAX}, args, DataObject{Type: Void}, 8, collector)

	require.Zero(t, c.Arguments()[0].Size)
	events := collector.Events()
	require.NotEmpty(t, events)
	require.Equal(t, diag.Level(diag.Error), events[0].Level)
}

func TestSystemVPlacement(t *testing.T) {
	args := []DataObject{
		{Type: Int64},   // rdi
		{Type: Double},  // xmm0
		{Type: Pointer}, // rsi
		{Type: Float},   // xmm1
		{Type: M256},    // stack, no register file for it here
	}
	c := NewSystemVAmd64(args, DataObject{Type: Int64}, nil)

	placed := c.Arguments()
	require.Equal(t, RDI, placed[0].Reg)
	require.Equal(t, XMM0, placed[1].Reg)
	require.Equal(t, RSI, placed[2].Reg)
	require.Equal(t, XMM1, placed[3].Reg)
	require.Equal(t, None, placed[4].Reg)

	require.Equal(t, 32, c.ArgStackSize())
	require.Equal(t, 8+8+8+8, c.ArgRegisterSize())
	require.Equal(t, RAX, c.Return().Reg)

	regs := c.Registers()
	require.Contains(t, regs, RSP)
	require.Contains(t, regs, RDI)
	require.Contains(t, regs, XMM1)
}

func TestMicrosoftX64Placement(t *testing.T) {
	args := []DataObject{
		{Type: Int64},   // rcx
		{Type: Double},  // xmm1, positional
		{Type: Pointer}, // r8
		{Type: Int32},   // r9
		{Type: Int64},   // stack
	}
	c := NewMicrosoftX64(args, DataObject{Type: Double}, nil)

	placed := c.Arguments()
	require.Equal(t, RCX, placed[0].Reg)
	require.Equal(t, XMM1, placed[1].Reg)
	require.Equal(t, R8, placed[2].Reg)
	require.Equal(t, R9, placed[3].Reg)
	require.Equal(t, None, placed[4].Reg)
	require.Equal(t, XMM0, c.Return().Reg)
	require.Equal(t, 8, c.ArgStackSize())
}

func TestPureStackPlacement(t *testing.T) {
	args := []DataObject{
		{Type: Int32},
		{Type: Pointer},
	}
	cdecl := NewCdecl(args, DataObject{Type: Int32}, nil)
	require.Equal(t, None, cdecl.Arguments()[0].Reg)
	require.Equal(t, None, cdecl.Arguments()[1].Reg)
	require.Equal(t, 4+8, cdecl.ArgStackSize())
	require.Zero(t, cdecl.ArgRegisterSize())
	require.Zero(t, cdecl.PopSize())

	std := NewStdcall([]DataObject{{Type: Int32}, {Type: Pointer}}, DataObject{Type: Int32}, nil)
	require.Equal(t, std.ArgStackSize(), std.PopSize())
}

func TestArgumentPtrReadWrite(t *testing.T) {
	c := newConvention(&systemVAmd64{returnReg: RAX}, []DataObject{
		{Type: Int64, Reg: RDI},
		{Type: Int64, Reg: None},
	}, DataObject{Type: Int64}, 8, diag.Nop)

	snapshot, frame := newFrame(t, 64, RDI, RAX)
	snapshot.SetUintptr(RDI, 0x1122334455667788)
	binary.LittleEndian.PutUint64(frame[8:], 0xAABBCCDDEEFF0011) // first stack argument

	p0 := c.ArgumentPtr(0, snapshot)
	require.Equal(t, snapshot.Ptr(RDI), p0)
	require.Equal(t, uint64(0x1122334455667788),
		binary.LittleEndian.Uint64(memory.BytesPtr(p0, 8)))

	p1 := c.ArgumentPtr(1, snapshot)
	require.Equal(t, uint64(0xAABBCCDDEEFF0011),
		binary.LittleEndian.Uint64(memory.BytesPtr(p1, 8)))

	// writes through the pointer land in the frame
	binary.LittleEndian.PutUint64(memory.BytesPtr(p1, 8), 42)
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(frame[8:]))
}

func TestSaveRestoreCallArguments(t *testing.T) {
	c := newConvention(&systemVAmd64{returnReg: RAX}, []DataObject{
		{Type: Int64, Reg: RDI},
		{Type: Int64, Reg: None},
	}, DataObject{Type: Int64}, 8, diag.Nop)

	snapshot, frame := newFrame(t, 64, RDI, RAX)
	snapshot.SetUintptr(RDI, 7)
	binary.LittleEndian.PutUint64(frame[8:], 9)

	c.SaveCallArguments(snapshot)

	// callee clobbers both argument locations
	snapshot.SetUintptr(RDI, 1000)
	binary.LittleEndian.PutUint64(frame[8:], 2000)

	c.RestoreCallArguments(snapshot)
	require.Equal(t, uintptr(7), snapshot.Uintptr(RDI))
	require.Equal(t, uint64(9), binary.LittleEndian.Uint64(frame[8:]))

	_, depth := c.SavedDepth()
	require.Zero(t, depth)
}

func TestSaveRestoreReturnValueNested(t *testing.T) {
	c := newConvention(&systemVAmd64{returnReg: RAX}, nil, DataObject{Type: Int64}, 8, diag.Nop)
	snapshot, _ := newFrame(t, 16, RAX)

	// outer invocation produces A and saves it
	snapshot.SetUintptr(RAX, 0xA)
	c.SaveReturnValue(snapshot)

	// nested invocation produces B, saves and fully unwinds before the
	// outer restore runs
	snapshot.SetUintptr(RAX, 0xB)
	c.SaveReturnValue(snapshot)
	snapshot.SetUintptr(RAX, 0xFFFF)
	c.RestoreReturnValue(snapshot)
	require.Equal(t, uintptr(0xB), snapshot.Uintptr(RAX))

	returns, _ := c.SavedDepth()
	require.Equal(t, 1, returns)

	// outer invocation observes its own value, not the inner one
	snapshot.SetUintptr(RAX, 0xFFFF)
	c.RestoreReturnValue(snapshot)
	require.Equal(t, uintptr(0xA), snapshot.Uintptr(RAX))

	returns, _ = c.SavedDepth()
	require.Zero(t, returns)
}

func TestRestoreWithoutSave(t *testing.T) {
	c := newConvention(&systemVAmd64{returnReg: RAX}, nil, DataObject{Type: Int64}, 8, diag.Nop)
	snapshot, _ := newFrame(t, 16, RAX)

	require.Panics(t, func() { c.RestoreReturnValue(snapshot) })
	require.Panics(t, func() { c.RestoreCallArguments(snapshot) })
}
