package convention

import (
	"encoding/binary"
	"unsafe"
)

// Register identifies one physical register captured in a snapshot.
type Register uint8

// about registers, None means the value lives on the stack
const (
	None Register = iota
	RAX
	RBX
	RCX
	RDX
	RSI
	RDI
	RBP
	RSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

var registerNames = map[Register]string{
	None: "none",
	RAX:  "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx",
	RSI: "rsi", RDI: "rdi", RBP: "rbp", RSP: "rsp",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11",
	R12: "r12", R13: "r13", R14: "r14", R15: "r15",
	XMM0: "xmm0", XMM1: "xmm1", XMM2: "xmm2", XMM3: "xmm3",
	XMM4: "xmm4", XMM5: "xmm5", XMM6: "xmm6", XMM7: "xmm7",
	XMM8: "xmm8", XMM9: "xmm9", XMM10: "xmm10", XMM11: "xmm11",
	XMM12: "xmm12", XMM13: "xmm13", XMM14: "xmm14", XMM15: "xmm15",
}

// String is used to convert a register to a readable string.
func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return "unknown"
}

// Width returns the register width in bytes.
func (r Register) Width() int {
	switch {
	case r == None:
		return 0
	case r >= XMM0:
		return 16
	default:
		return 8
	}
}

// IsVector reports whether the register belongs to the vector file.
func (r Register) IsVector() bool {
	return r >= XMM0
}

// Registers is a snapshot of the physical registers a convention needs.
// Each captured register owns one fixed slot; the bridge writes the live
// values into the slots on entry and loads them back before resuming, so
// writes through slot pointers are observed by the target function.
type Registers struct {
	order []Register
	slots map[Register][]byte
}

// NewRegisters is used to create a snapshot with one slot per register.
// Duplicates are collapsed, slot content starts zeroed.
func NewRegisters(regs ...Register) *Registers {
	r := &Registers{slots: make(map[Register][]byte, len(regs))}
	for _, reg := range regs {
		if reg == None {
			continue
		}
		if _, ok := r.slots[reg]; ok {
			continue
		}
		r.slots[reg] = make([]byte, reg.Width())
		r.order = append(r.order, reg)
	}
	return r
}

// List returns the captured registers in capture order.
func (r *Registers) List() []Register {
	cp := make([]Register, len(r.order))
	copy(cp, r.order)
	return cp
}

// Has reports whether the snapshot captures reg.
func (r *Registers) Has(reg Register) bool {
	_, ok := r.slots[reg]
	return ok
}

// Slot returns the backing bytes of reg, nil if not captured.
func (r *Registers) Slot(reg Register) []byte {
	return r.slots[reg]
}

// Ptr returns a live pointer to the slot of reg, nil if not captured.
// The pointer stays valid as long as the snapshot itself.
func (r *Registers) Ptr(reg Register) unsafe.Pointer {
	slot, ok := r.slots[reg]
	if !ok {
		return nil
	}
	return unsafe.Pointer(&slot[0])
}

// SlotAddr returns the address of the slot of reg, 0 if not captured.
// The bridge embeds these addresses into its capture code.
func (r *Registers) SlotAddr(reg Register) uintptr {
	return uintptr(r.Ptr(reg))
}

// Uintptr reads the slot of reg as a pointer-sized value.
func (r *Registers) Uintptr(reg Register) uintptr {
	slot, ok := r.slots[reg]
	if !ok {
		return 0
	}
	return uintptr(binary.LittleEndian.Uint64(slot))
}

// SetUintptr writes a pointer-sized value into the slot of reg.
func (r *Registers) SetUintptr(reg Register, v uintptr) {
	slot, ok := r.slots[reg]
	if !ok {
		return
	}
	binary.LittleEndian.PutUint64(slot, uint64(v))
}

// StackPointer returns the captured stack pointer value. Conventions
// always capture RSP, stack argument access derives from it.
func (r *Registers) StackPointer() uintptr {
	return r.Uintptr(RSP)
}
