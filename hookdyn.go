// Package hookdyn intercepts native function calls at runtime. Given the
// address of a function it installs a redirection through user supplied
// pre and post callbacks that can inspect or override arguments and the
// return value, and can still reach the original function body.
//
// Two placement strategies are provided: inline code patching (detour)
// and virtual table slot replacement (vtable swap). Both share one
// lifecycle contract, see Hook.
package hookdyn

import (
	"github.com/pkg/errors"

	"github.com/hookdyn/hookdyn/internal/symbols"
)

// about hook errors
var (
	// ErrDoubleHook means a hook is already installed at the address.
	ErrDoubleHook = errors.New("hook already installed at address")
	// ErrHookNotFound means no hook is registered at the address.
	ErrHookNotFound = errors.New("hook not found")
	// ErrZeroAddress means a zero target address was supplied.
	ErrZeroAddress = errors.New("target address is zero")
	// ErrInstallFailed means the bridge could not be constructed or
	// installed, the hook state is unchanged.
	ErrInstallFailed = errors.New("failed to install hook")
)

// HookMode identifies the placement strategy of a hook.
type HookMode uint8

// about hook modes
const (
	// ModeDetour overwrites the first instructions of the target with a
	// jump to the bridge.
	ModeDetour HookMode = iota + 1
	// ModeVTableSwap replaces one pointer-sized virtual table entry
	// with the bridge address.
	ModeVTableSwap
)

// String is used to convert a hook mode to a readable string.
func (m HookMode) String() string {
	switch m {
	case ModeDetour:
		return "detour"
	case ModeVTableSwap:
		return "vtable swap"
	default:
		return "unknown"
	}
}

// FindSymbols reads the symbol table of the object file at path and
// returns a map from symbol name to symbol value. It backs address
// resolution for callers that hook by name.
func FindSymbols(path string) (map[string]uintptr, error) {
	return symbols.Read(path)
}
