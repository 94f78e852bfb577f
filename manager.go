package hookdyn

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hookdyn/hookdyn/diag"
)

// Manager tracks installed hooks by intercepted address, so separate
// subscribers share one hook per target instead of stacking patches.
type Manager struct {
	// hooks applied with target addresses as keys
	hooks map[uintptr]Hook
	// protect the hooks map
	lock sync.Mutex

	observer diag.Observer
}

// NewManager is used to create a hook manager.
func NewManager(observer diag.Observer) *Manager {
	if observer == nil {
		observer = diag.Nop
	}
	return &Manager{
		hooks:    make(map[uintptr]Hook),
		observer: observer,
	}
}

// Apply installs h and registers it under its address. A second hook
// for the same address is refused with ErrDoubleHook, callers attach
// additional callbacks to the existing hook instead.
func (m *Manager) Apply(h Hook) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	addr := h.Address()
	if _, ok := m.hooks[addr]; ok {
		return errors.WithMessagef(ErrDoubleHook, "address %#x", addr)
	}
	if !h.Hook() {
		return errors.WithMessagef(ErrInstallFailed, "address %#x", addr)
	}
	m.hooks[addr] = h
	diag.Emitf(m.observer, diag.Info, "manager", "hook installed at %#x", addr)
	return nil
}

// Get returns the hook installed for addr, nil when none is.
func (m *Manager) Get(addr uintptr) Hook {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.hooks[addr]
}

// AddCallback attaches cb to the hook installed for addr.
func (m *Manager) AddCallback(addr uintptr, t CallbackType, cb Callback) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	h, ok := m.hooks[addr]
	if !ok {
		return errors.WithMessagef(ErrHookNotFound, "address %#x", addr)
	}
	if !h.AddCallback(t, cb) {
		return errors.Errorf("add callback to hook at %#x", addr)
	}
	return nil
}

// Remove uninstalls and closes the hook for addr.
func (m *Manager) Remove(addr uintptr) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	h, ok := m.hooks[addr]
	if !ok {
		return errors.WithMessagef(ErrHookNotFound, "address %#x", addr)
	}
	delete(m.hooks, addr)
	if err := h.Close(); err != nil {
		return errors.WithMessagef(err, "close hook at %#x", addr)
	}
	diag.Emitf(m.observer, diag.Info, "manager", "hook removed at %#x", addr)
	return nil
}

// RemoveAll uninstalls every tracked hook, the first close failure is
// reported after all hooks were attempted.
func (m *Manager) RemoveAll() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	var first error
	for addr, h := range m.hooks {
		delete(m.hooks, addr)
		if err := h.Close(); err != nil && first == nil {
			first = errors.WithMessagef(err, "close hook at %#x", addr)
		}
	}
	return first
}

// Len returns the number of tracked hooks.
func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.hooks)
}
