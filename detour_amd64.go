package hookdyn

import (
	"github.com/pkg/errors"

	"github.com/hookdyn/hookdyn/convention"
	"github.com/hookdyn/hookdyn/decoder"
	"github.com/hookdyn/hookdyn/diag"
	"github.com/hookdyn/hookdyn/internal/memory"
)

// trampolineSlack covers the worst case trampoline size, the widest
// patch, a maximal instruction straddling its end and the absolute
// jump back.
const trampolineSlack = jmpAbsRAXLen + 14 + jmpAbsR11Len

// DetourHook intercepts a free function by patching its entry with a
// jump into a generated bridge. The first instructions of the target
// are relocated into a trampoline so the original stays callable while
// hooked.
type DetourHook struct {
	hookBase

	addr    uintptr
	decoder *decoder.Decoder

	// bridge plus trampoline, owned, released on Close
	block      *memory.Block
	trampoline uintptr

	// bytes the patch overwrote
	originalCode []byte
}

// NewDetourHook prepares a detour for the function at addr. The hook
// owns conv. Nothing is patched until Hook.
func NewDetourHook(addr uintptr, conv *convention.Convention, observer diag.Observer) (*DetourHook, error) {
	if addr == 0 {
		return nil, ErrZeroAddress
	}
	h := &DetourHook{
		hookBase: newHookBase(conv, observer, hookSource("detour", addr)),
		addr:     addr,
		decoder:  decoder.New(),
	}
	h.self = h
	return h, nil
}

// Address returns the patched function address.
func (h *DetourHook) Address() uintptr {
	return h.addr
}

// Mode returns ModeDetour.
func (h *DetourHook) Mode() HookMode {
	return ModeDetour
}

// CallOriginal returns the trampoline while hooked, the plain address
// otherwise.
func (h *DetourHook) CallOriginal() uintptr {
	if h.IsHooked() && h.trampoline != 0 {
		return h.trampoline
	}
	return h.addr
}

// Hook builds the bridge and trampoline and patches the target entry.
func (h *DetourHook) Hook() bool {
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

func (h *DetourHook) install() error {
	// measure the bridge first, the layout only depends on the
	// captured register set
	sized, err := emitBridge(bridgeConfig{token: h.addr, regs: h.regs})
	if err != nil {
		return err
	}
	bridgeLen := len(sized)

	block := h.block
	if block == nil {
		block, err = memory.AllocNear(h.addr, bridgeLen+trampolineSlack)
		if err != nil {
			return errors.WithMessage(err, "alloc bridge block")
		}
	}

	patch := jmpAbsRAX(block.Addr)
	if fitsRel32(h.addr, block.Addr) {
		patch = jmpRel32(h.addr, block.Addr)
	}

	// cover the whole patch with complete instructions
	n, err := h.decoder.LengthOfInstructionsAt(h.addr, len(patch))
	if err != nil {
		h.releaseBlock(block)
		return errors.WithMessage(err, "measure patch region")
	}

	trampolineAddr := block.Addr + uintptr(bridgeLen)
	relocated, err := h.decoder.RelocateAt(h.addr, n, trampolineAddr, false)
	if err != nil {
		h.releaseBlock(block)
		return errors.WithMessage(err, "relocate patched instructions")
	}
	trampoline := append(relocated, jmpAbsR11(h.addr+uintptr(n))...)

	bridge, err := emitBridge(bridgeConfig{
		token:  h.addr,
		regs:   h.regs,
		resume: trampolineAddr,
		base:   block.Addr,
	})
	if err != nil {
		h.releaseBlock(block)
		return err
	}
	memory.WriteBytes(block.Addr, bridge)
	memory.WriteBytes(trampolineAddr, trampoline)

	originalCode := memory.ReadBytes(h.addr, len(patch))
	if err := memory.Protect(h.addr, len(patch)); err != nil {
		h.releaseBlock(block)
		return errors.WithMessage(err, "unprotect target")
	}
	memory.WriteBytes(h.addr, patch)
	if err := memory.Restore(h.addr, len(patch)); err != nil {
		return errors.WithMessage(err, "reprotect target")
	}

	h.block = block
	h.trampoline = trampolineAddr
	h.originalCode = originalCode
	registerBridge(h.addr, h)
	return nil
}

func (h *DetourHook) releaseBlock(block *memory.Block) {
	if block == h.block {
		return
	}
	if err := memory.Free(block); err != nil {
		diag.Emitf(h.observer, diag.Warning, h.source, "free bridge block: %s", err)
	}
}

// Unhook restores the patched bytes. The bridge block stays mapped
// until Close, an in-flight call may still run inside the trampoline.
func (h *DetourHook) Unhook() bool {
	if !h.canTransition(eventUnhook) {
		return false
	}
	if err := memory.Protect(h.addr, len(h.originalCode)); err != nil {
		diag.Emitf(h.observer, diag.Error, h.source, "unprotect target: %s", err)
		return false
	}
	memory.WriteBytes(h.addr, h.originalCode)
	if err := memory.Restore(h.addr, len(h.originalCode)); err != nil {
		diag.Emitf(h.observer, diag.Error, h.source, "reprotect target: %s", err)
		return false
	}
	unregisterBridge(h.addr)
	_ = h.lifecycle.Event(eventUnhook)
	return true
}

// Close unhooks when needed and releases the bridge block.
func (h *DetourHook) Close() error {
	if h.IsHooked() && !h.Unhook() {
		return errors.New("unhook failed during close")
	}
	if h.block != nil {
		if err := memory.Free(h.block); err != nil {
			return errors.WithMessage(err, "free bridge block")
		}
		h.block = nil
		h.trampoline = 0
	}
	return nil
}
