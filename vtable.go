package hookdyn

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/hookdyn/hookdyn/convention"
	"github.com/hookdyn/hookdyn/diag"
	"github.com/hookdyn/hookdyn/internal/memory"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// VTableHook intercepts one virtual method by swapping a dispatch table
// slot to a generated bridge. The target function is never patched, the
// bridge resumes into the original slot value, so only calls going
// through this table are intercepted. The table memory must be
// writable.
type VTableHook struct {
	hookBase

	table uintptr
	index int

	// slot content before the swap
	original uintptr

	// bridge, owned, released on Close
	block *memory.Block
}

// NewVTableHook prepares an interception of slot index of the dispatch
// table at table. The hook owns conv. Nothing is swapped until Hook.
func NewVTableHook(table uintptr, index int, conv *convention.Convention, observer diag.Observer) (*VTableHook, error) {
	if table == 0 {
		return nil, ErrZeroAddress
	}
	if index < 0 {
		return nil, errors.New("negative table index")
	}
	h := &VTableHook{
		hookBase: newHookBase(conv, observer, hookSource("vtable", table+uintptr(index*ptrSize))),
		table:    table,
		index:    index,
	}
	h.self = h
	return h, nil
}

// slotAddr returns the address of the swapped table entry.
func (h *VTableHook) slotAddr() uintptr {
	return h.table + uintptr(h.index*ptrSize)
}

func (h *VTableHook) readSlot() uintptr {
	return *(*uintptr)(unsafe.Pointer(h.slotAddr()))
}

func (h *VTableHook) writeSlot(v uintptr) {
	*(*uintptr)(unsafe.Pointer(h.slotAddr())) = v
}

// Address returns the intercepted slot value, the original function.
func (h *VTableHook) Address() uintptr {
	if h.IsHooked() {
		return h.original
	}
	return h.readSlot()
}

// Mode returns ModeVTableSwap.
func (h *VTableHook) Mode() HookMode {
	return ModeVTableSwap
}

// CallOriginal returns the saved original slot value while hooked.
// Calls through it bypass the interception entirely.
func (h *VTableHook) CallOriginal() uintptr {
	if h.IsHooked() {
		return h.original
	}
	return h.readSlot()
}

// Hook builds the bridge and swaps it into the table slot.
func (h *VTableHook) Hook() bool {
	if !h.canTransition(eventHook) {
		return false
	}
	if err := h.install(); err != nil {
		diag.Emitf(h.observer, diag.Error, h.source, "install failed: %s", err)
		return false
	}
	_ = h.lifecycle.Event(eventHook)
	return true
}

func (h *VTableHook) install() error {
	original := h.readSlot()
	if original == 0 {
		return errors.WithMessage(ErrZeroAddress, "table slot is empty")
	}

	sized, err := emitBridge(bridgeConfig{token: h.slotAddr(), regs: h.regs})
	if err != nil {
		return err
	}

	block := h.block
	if block == nil {
		block, err = memory.Alloc(len(sized))
		if err != nil {
			return errors.WithMessage(err, "alloc bridge block")
		}
	}
	bridge, err := emitBridge(bridgeConfig{
		token:  h.slotAddr(),
		regs:   h.regs,
		resume: original,
		base:   block.Addr,
	})
	if err != nil {
		if block != h.block {
			_ = memory.Free(block)
		}
		return err
	}
	memory.WriteBytes(block.Addr, bridge)

	h.block = block
	h.original = original
	registerBridge(h.slotAddr(), h)
	h.writeSlot(block.Addr)
	return nil
}

// Unhook writes the original function back into the table slot.
func (h *VTableHook) Unhook() bool {
	if !h.canTransition(eventUnhook) {
		return false
	}
	h.writeSlot(h.original)
	unregisterBridge(h.slotAddr())
	_ = h.lifecycle.Event(eventUnhook)
	return true
}

// Close unhooks when needed and releases the bridge block.
func (h *VTableHook) Close() error {
	if h.IsHooked() && !h.Unhook() {
		return errors.New("unhook failed during close")
	}
	if h.block != nil {
		if err := memory.Free(h.block); err != nil {
			return errors.WithMessage(err, "free bridge block")
		}
		h.block = nil
	}
	return nil
}
