package hookdyn

import (
	"fmt"
	"reflect"

	"github.com/looplab/fsm"

	"github.com/hookdyn/hookdyn/convention"
	"github.com/hookdyn/hookdyn/diag"
)

// CallbackType selects when a callback runs relative to the original
// function.
type CallbackType uint8

// about callback types
const (
	// Pre runs before the original function.
	Pre CallbackType = iota
	// Post runs after the original function returned.
	Post
)

// ReturnAction is the verdict of a callback, ordered by priority. The
// strongest verdict of a callback chain wins.
type ReturnAction uint8

// about return actions
const (
	// Ignored means the callback did not touch anything.
	Ignored ReturnAction = iota
	// Handled means the callback did something without overriding.
	Handled
	// Override means the callback set a new return value, the original
	// function still runs.
	Override
	// Supercede means the callback set a new return value and the
	// original function must not run.
	Supercede
)

// Callback handles one interception event. It may read and write the
// arguments and the return value through the hook's convention and
// register snapshot.
type Callback func(t CallbackType, h Hook) ReturnAction

// about hook lifecycle states and events
const (
	stateUnhooked = "unhooked"
	stateHooked   = "hooked"
	eventHook     = "hook"
	eventUnhook   = "unhook"
)

// Hook is one intercepted address. Hook and Unhook report misuse as a
// boolean failure plus a diagnostic event, never a crash. Installing or
// uninstalling concurrently with an in-flight call through the same
// address must be serialized by the caller.
type Hook interface {
	// Hook installs the interception. It fails without state change
	// when already hooked or when the bridge cannot be built.
	Hook() bool
	// Unhook retracts the interception. It fails without state change
	// when not hooked.
	Unhook() bool
	// IsHooked reports whether the interception is installed.
	IsHooked() bool
	// Address returns the intercepted address.
	Address() uintptr
	// Mode returns the placement strategy.
	Mode() HookMode
	// Convention returns the owned convention descriptor.
	Convention() *convention.Convention
	// Registers returns the register snapshot the bridge captures into.
	Registers() *convention.Registers
	// CallOriginal returns an address that reaches the original
	// function body while the hook is installed.
	CallOriginal() uintptr

	AddCallback(t CallbackType, cb Callback) bool
	RemoveCallback(t CallbackType, cb Callback) bool
	IsCallbackRegistered(t CallbackType, cb Callback) bool
	AreCallbacksRegistered() bool

	// Dispatch runs the callback chain for one interception phase and
	// applies the save and restore protocol of the convention.
	Dispatch(t CallbackType) ReturnAction

	// Close forces Unhook when still hooked and releases owned bridge
	// memory. It is the guaranteed release path, usually deferred.
	Close() error
}

// hookBase carries everything the placement variants share, the owned
// convention, the register snapshot, the callback chains, the verdict
// stack and the lifecycle state machine.
type hookBase struct {
	conv     *convention.Convention
	regs     *convention.Registers
	observer diag.Observer
	source   string

	handlers map[CallbackType][]Callback

	// verdict of the pre phase per nesting level, most recent last
	lastPreActions []ReturnAction

	// stashed return addresses keyed by stack pointer, each key holds
	// a stack of nesting levels
	retAddrs map[uintptr][]uintptr

	lifecycle *fsm.FSM

	// the concrete hook handed to callbacks
	self Hook
}

func newHookBase(conv *convention.Convention, observer diag.Observer, source string) hookBase {
	if observer == nil {
		observer = diag.Nop
	}
	return hookBase{
		conv:     conv,
		regs:     convention.NewRegisters(conv.Registers()...),
		observer: observer,
		source:   source,
		handlers: make(map[CallbackType][]Callback),
		retAddrs: make(map[uintptr][]uintptr),
		lifecycle: fsm.NewFSM(stateUnhooked, fsm.Events{
			{Name: eventHook, Src: []string{stateUnhooked}, Dst: stateHooked},
			{Name: eventUnhook, Src: []string{stateHooked}, Dst: stateUnhooked},
		}, fsm.Callbacks{}),
	}
}

func (h *hookBase) Convention() *convention.Convention {
	return h.conv
}

func (h *hookBase) Registers() *convention.Registers {
	return h.regs
}

func (h *hookBase) IsHooked() bool {
	return h.lifecycle.Current() == stateHooked
}

// canTransition checks a lifecycle event precondition, misuse is
// reported and absorbed.
func (h *hookBase) canTransition(event string) bool {
	if h.lifecycle.Can(event) {
		return true
	}
	diag.Emitf(h.observer, diag.Warning, h.source,
		"%s failed: lifecycle is %q", event, h.lifecycle.Current())
	return false
}

func callbackID(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

// AddCallback registers a callback for one phase. A nil callback or a
// callback already registered for the phase is refused.
func (h *hookBase) AddCallback(t CallbackType, cb Callback) bool {
	if cb == nil {
		diag.Emitf(h.observer, diag.Warning, h.source, "callback handler is nil")
		return false
	}
	id := callbackID(cb)
	for _, existing := range h.handlers[t] {
		if callbackID(existing) == id {
			diag.Emitf(h.observer, diag.Warning, h.source, "callback handler was already added")
			return false
		}
	}
	h.handlers[t] = append(h.handlers[t], cb)
	return true
}

// RemoveCallback deregisters a callback from one phase.
func (h *hookBase) RemoveCallback(t CallbackType, cb Callback) bool {
	if cb == nil {
		diag.Emitf(h.observer, diag.Warning, h.source, "callback handler is nil")
		return false
	}
	callbacks, ok := h.handlers[t]
	if !ok {
		return false
	}
	id := callbackID(cb)
	for i := range callbacks {
		if callbackID(callbacks[i]) != id {
			continue
		}
		callbacks = append(callbacks[:i], callbacks[i+1:]...)
		if len(callbacks) == 0 {
			delete(h.handlers, t)
		} else {
			h.handlers[t] = callbacks
		}
		return true
	}
	diag.Emitf(h.observer, diag.Warning, h.source, "callback handler not registered")
	return false
}

// IsCallbackRegistered reports whether cb is registered for phase t.
func (h *hookBase) IsCallbackRegistered(t CallbackType, cb Callback) bool {
	if cb == nil {
		return false
	}
	id := callbackID(cb)
	for _, existing := range h.handlers[t] {
		if callbackID(existing) == id {
			return true
		}
	}
	return false
}

// AreCallbacksRegistered reports whether any pre or post callback is
// registered.
func (h *hookBase) AreCallbacksRegistered() bool {
	return len(h.handlers[Pre]) > 0 || len(h.handlers[Post]) > 0
}

// Dispatch runs the callback chain for one phase. The pre phase pushes
// its verdict and saves the call arguments, and the return value when a
// callback overrode it. The post phase pops the matching verdict and
// restores in strict LIFO order, so reentrant invocations unwind
// correctly.
func (h *hookBase) Dispatch(t CallbackType) ReturnAction {
	if t == Post {
		n := len(h.lastPreActions)
		if n == 0 {
			diag.Emitf(h.observer, diag.Error, h.source,
				"post dispatch without matching pre dispatch")
			return Ignored
		}
		lastPre := h.lastPreActions[n-1]
		h.lastPreActions = h.lastPreActions[:n-1]
		if lastPre >= Override {
			h.conv.RestoreReturnValue(h.regs)
		}
		if lastPre < Supercede {
			h.conv.RestoreCallArguments(h.regs)
		}
	}

	action := Ignored
	callbacks, ok := h.handlers[t]
	if !ok {
		// still save the arguments even when no pre handler is
		// registered, the post phase will pop them
		if t == Pre {
			h.lastPreActions = append(h.lastPreActions, action)
			h.conv.SaveCallArguments(h.regs)
		}
		return action
	}

	for _, cb := range callbacks {
		if result := cb(t, h.self); result > action {
			action = result
		}
	}

	if t == Pre {
		h.lastPreActions = append(h.lastPreActions, action)
		if action >= Override {
			h.conv.SaveReturnValue(h.regs)
		}
		if action < Supercede {
			h.conv.SaveCallArguments(h.regs)
		}
	}
	return action
}

// SetReturnAddress stashes the return address of the frame at stackPtr
// before the bridge redirects it to the post stub.
func (h *hookBase) SetReturnAddress(retAddr, stackPtr uintptr) {
	h.retAddrs[stackPtr] = append(h.retAddrs[stackPtr], retAddr)
}

// ReturnAddress pops the stashed return address of the frame at
// stackPtr. It returns 0 when nothing was stashed, which indicates a
// convention mismatch in the detour setup.
func (h *hookBase) ReturnAddress(stackPtr uintptr) uintptr {
	stack, ok := h.retAddrs[stackPtr]
	if !ok || len(stack) == 0 {
		diag.Emitf(h.observer, diag.Error, h.source,
			"no stashed return address for frame %#x", stackPtr)
		return 0
	}
	retAddr := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(h.retAddrs, stackPtr)
	} else {
		h.retAddrs[stackPtr] = stack
	}
	return retAddr
}

func hookSource(kind string, addr uintptr) string {
	return fmt.Sprintf("%s-%#x", kind, addr)
}
