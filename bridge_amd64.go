package hookdyn

import (
	"math"
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/hookdyn/hookdyn/convention"
)

// gpCode maps a general purpose register to its hardware encoding.
// ext marks registers that need the REX extension bit.
var gpCode = map[convention.Register]struct {
	code byte
	ext  bool
}{
	convention.RAX: {0, false}, convention.RCX: {1, false},
	convention.RDX: {2, false}, convention.RBX: {3, false},
	convention.RSP: {4, false}, convention.RBP: {5, false},
	convention.RSI: {6, false}, convention.RDI: {7, false},
	convention.R8: {0, true}, convention.R9: {1, true},
	convention.R10: {2, true}, convention.R11: {3, true},
	convention.R12: {4, true}, convention.R13: {5, true},
	convention.R14: {6, true}, convention.R15: {7, true},
}

func xmmCode(r convention.Register) (byte, bool) {
	n := byte(r - convention.XMM0)
	return n & 7, n > 7
}

// asm accumulates raw machine code. Every sequence the bridge emits is
// fixed width, the layout never depends on operand values.
type asm struct {
	buf []byte
}

func (a *asm) code(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *asm) u32(v uint32) {
	a.buf = append(a.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *asm) u64(v uint64) {
	a.u32(uint32(v))
	a.u32(uint32(v >> 32))
}

func modRM(mod, reg, rm byte) byte {
	return mod<<6 | reg<<3 | rm
}

// movRAXImm emits movabs rax, v.
func (a *asm) movRAXImm(v uintptr) {
	a.code(0x48, 0xB8)
	a.u64(uint64(v))
}

// captureRegisters stores every captured register into its snapshot
// slot. RAX goes first through the moffs form, it is the scratch base
// for everything after.
func captureRegisters(a *asm, regs *convention.Registers) {
	if regs.Has(convention.RAX) {
		a.code(0x48, 0xA3)
		a.u64(uint64(regs.SlotAddr(convention.RAX)))
	}
	for _, reg := range regs.List() {
		if reg == convention.RAX {
			continue
		}
		a.movRAXImm(regs.SlotAddr(reg))
		if reg.IsVector() {
			code, ext := xmmCode(reg)
			if ext {
				a.code(0x44)
			}
			a.code(0x0F, 0x11, modRM(0, code, 0))
		} else {
			enc := gpCode[reg]
			rex := byte(0x48)
			if enc.ext {
				rex |= 0x04
			}
			a.code(rex, 0x89, modRM(0, enc.code, 0))
		}
	}
}

// restoreRegisters loads the captured registers back from their slots
// so slot writes made by callbacks reach the resumed code. RSP is
// never reloaded, the live stack pointer stays authoritative. RAX is
// reloaded last through the moffs form, it is the scratch base until
// then.
func restoreRegisters(a *asm, regs *convention.Registers) {
	for _, reg := range regs.List() {
		if reg == convention.RAX || reg == convention.RSP {
			continue
		}
		a.movRAXImm(regs.SlotAddr(reg))
		if reg.IsVector() {
			code, ext := xmmCode(reg)
			if ext {
				a.code(0x44)
			}
			a.code(0x0F, 0x10, modRM(0, code, 0))
		} else {
			enc := gpCode[reg]
			rex := byte(0x48)
			if enc.ext {
				rex |= 0x04
			}
			a.code(rex, 0x8B, modRM(0, enc.code, 0))
		}
	}
	if regs.Has(convention.RAX) {
		a.code(0x48, 0xA1)
		a.u64(uint64(regs.SlotAddr(convention.RAX)))
	}
}

// jmpRel32 emits a 5 byte relative jump placed at from.
func jmpRel32(from, to uintptr) []byte {
	rel := to - from - 5
	return []byte{
		0xE9,
		byte(rel), byte(rel >> 8),
		byte(rel >> 16), byte(rel >> 24),
	}
}

// jmpAbsRAX emits the 12 byte movabs rax plus jmp rax sequence. It
// clobbers rax, callers use it only where rax carries nothing.
func jmpAbsRAX(to uintptr) []byte {
	var a asm
	a.movRAXImm(to)
	a.code(0xFF, 0xE0)
	return a.buf
}

// jmpAbsR11 is the r11 variant, 13 bytes, safe where rax must survive.
func jmpAbsR11(to uintptr) []byte {
	var a asm
	a.code(0x49, 0xBB)
	a.u64(uint64(to))
	a.code(0x41, 0xFF, 0xE3)
	return a.buf
}

// about absolute jump sequence lengths
const (
	jmpRel32Len  = 5
	jmpAbsRAXLen = 12
	jmpAbsR11Len = 13
)

// fitsRel32 reports whether a 5 byte relative jump placed at from can
// reach to. The displacement is signed, backward it reaches one byte
// further than forward.
func fitsRel32(from, to uintptr) bool {
	disp := int64(to) - int64(from) - jmpRel32Len
	return disp >= math.MinInt32 && disp <= math.MaxInt32
}

// bridgeHook is the part of a hook the generated code dispatches into.
type bridgeHook interface {
	Dispatch(t CallbackType) ReturnAction
	SetReturnAddress(retAddr, stackPtr uintptr)
	ReturnAddress(stackPtr uintptr) uintptr
}

var (
	bridgeHooks   = make(map[uintptr]bridgeHook)
	bridgeHooksMu sync.Mutex
)

func registerBridge(token uintptr, h bridgeHook) {
	bridgeHooksMu.Lock()
	defer bridgeHooksMu.Unlock()
	bridgeHooks[token] = h
}

func unregisterBridge(token uintptr) {
	bridgeHooksMu.Lock()
	defer bridgeHooksMu.Unlock()
	delete(bridgeHooks, token)
}

func lookupBridge(token uintptr) bridgeHook {
	bridgeHooksMu.Lock()
	defer bridgeHooksMu.Unlock()
	return bridgeHooks[token]
}

// bridgeEnter is the pre phase entry the generated code calls after the
// register capture. It stashes the live return address, runs the pre
// callbacks and reports the strongest verdict back to the bridge.
func bridgeEnter(token, retAddr, stackPtr uintptr) uintptr {
	h := lookupBridge(token)
	if h == nil {
		return uintptr(Ignored)
	}
	h.SetReturnAddress(retAddr, stackPtr)
	return uintptr(h.Dispatch(Pre))
}

// bridgePost is the post phase entry. It runs the post callbacks and
// hands the stashed return address back so the stub can return to the
// real caller.
func bridgePost(token, stackPtr uintptr) uintptr {
	h := lookupBridge(token)
	if h == nil {
		return 0
	}
	h.Dispatch(Post)
	return h.ReturnAddress(stackPtr)
}

// assembly adapters in bridge_stub_amd64.s, they move the bridge's C
// register arguments onto the stack before entering the Go dispatch
// functions, a direct call with C conventions would hand them garbage
func bridgeEnterStub()
func bridgePostStub()

// entry addresses the generated code calls into, variables so tests can
// verify emission against known values
var (
	enterEntry = reflect.ValueOf(bridgeEnterStub).Pointer()
	postEntry  = reflect.ValueOf(bridgePostStub).Pointer()
)

// bridgeConfig describes one bridge emission.
type bridgeConfig struct {
	// token identifies the hook in the bridge registry, the generated
	// code passes it to every dispatch entry.
	token uintptr
	// regs supplies the slot addresses the capture code writes into.
	regs *convention.Registers
	// resume is where the pre path continues to reach the original
	// function body.
	resume uintptr
	// base is the address the bridge will be installed at, the post
	// stub address derives from it.
	base uintptr
}

// emitBridge generates the interception code for one hook. Layout is
// the pre section first, the post stub directly after it. The pre
// section captures the registers, dispatches the pre phase and points
// the frame's return address at the post stub, then either resumes the
// original or, on a superceding verdict, skips it and falls into the
// post stub directly. The post stub captures the produced return
// value, dispatches the post phase and returns to the stashed caller
// address.
// Emission is a fixed point over the post stub offset, every sequence
// is value independent so two passes always agree.
func emitBridge(cfg bridgeConfig) ([]byte, error) {
	if cfg.regs == nil || !cfg.regs.Has(convention.RSP) {
		return nil, errors.New("bridge requires a snapshot that captures rsp")
	}
	first := emitBridgeWithStub(cfg, 0)
	preLen := emitBridgePreLen(cfg)
	final := emitBridgeWithStub(cfg, cfg.base+uintptr(preLen))
	if len(first) != len(final) {
		return nil, errors.New("bridge emission did not converge")
	}
	return final, nil
}

func emitBridgePreLen(cfg bridgeConfig) int {
	var a asm
	emitBridgePre(&a, cfg, 0)
	return len(a.buf)
}

func emitBridgeWithStub(cfg bridgeConfig, postStub uintptr) []byte {
	var a asm
	emitBridgePre(&a, cfg, postStub)
	emitBridgePostStub(&a, cfg)
	return a.buf
}

func emitBridgePre(a *asm, cfg bridgeConfig, postStub uintptr) {
	captureRegisters(a, cfg.regs)

	// bridgeEnter(token, [rsp], rsp)
	a.code(0x48, 0xBF) // movabs rdi, token
	a.u64(uint64(cfg.token))
	a.code(0x48, 0x8B, 0x34, 0x24) // mov rsi, [rsp]
	a.code(0x48, 0x89, 0xE2)       // mov rdx, rsp
	a.movRAXImm(enterEntry)
	a.code(0xFF, 0xD0) // call rax

	// every path returns through the post stub, a superceded
	// invocation included, so the verdict and save stacks the pre
	// dispatch pushed always pop in pairs
	a.code(0x49, 0x89, 0xC3) // mov r11, rax
	a.movRAXImm(postStub)
	a.code(0x48, 0x89, 0x04, 0x24) // mov [rsp], rax

	a.code(0x49, 0x83, 0xFB, byte(Supercede)) // cmp r11, Supercede
	jbOff := len(a.buf) + 2
	a.code(0x72, 0x00) // jb resume, patched below

	// supercede skips the original, the callback already produced the
	// return value in the snapshot; ret pops the rewritten frame slot
	// and lands in the post stub
	restoreRegisters(a, cfg.regs)
	a.code(0xC3) // ret

	// resume path runs the original, its ret lands in the post stub
	a.buf[jbOff-1] = byte(len(a.buf) - jbOff)
	restoreRegisters(a, cfg.regs)
	a.code(jmpAbsR11(cfg.resume)...)
}

func emitBridgePostStub(a *asm, cfg bridgeConfig) {
	captureRegisters(a, cfg.regs)

	// bridgePost(token, original frame pointer), the ret that brought
	// us here already popped the frame slot
	a.code(0x48, 0xBF) // movabs rdi, token
	a.u64(uint64(cfg.token))
	a.code(0x48, 0x8D, 0x74, 0x24, 0xF8) // lea rsi, [rsp-8]
	a.movRAXImm(postEntry)
	a.code(0xFF, 0xD0) // call rax

	// rax holds the caller's return address, park it on the stack so
	// the register restore cannot disturb it
	a.code(0x50) // push rax
	restoreRegisters(a, cfg.regs)
	a.code(0xC3) // ret
}
