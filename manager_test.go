package hookdyn

import (
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hookdyn/hookdyn/diag"
)

func TestManagerApplyAndRemove(t *testing.T) {
	collector := diag.NewCollector()
	m := NewManager(collector)

	table := (*[1]uintptr)(unsafe.Pointer(newTestTable(t, 1)))
	table[0] = 0x6000
	base := uintptr(unsafe.Pointer(&table[0]))
	h, err := NewVTableHook(base, 0, testConvention(collector), collector)
	require.NoError(t, err)

	require.NoError(t, m.Apply(h))
	require.Equal(t, 1, m.Len())
	require.True(t, h.IsHooked())
	require.Same(t, h, m.Get(0x6000))

	require.NoError(t, m.Remove(0x6000))
	require.Equal(t, 0, m.Len())
	require.False(t, h.IsHooked())
	require.Equal(t, uintptr(0x6000), table[0])
	require.Nil(t, m.Get(0x6000))
}

func TestManagerDoubleHook(t *testing.T) {
	collector := diag.NewCollector()
	m := NewManager(collector)

	table := (*[1]uintptr)(unsafe.Pointer(newTestTable(t, 1)))
	table[0] = 0x6000
	base := uintptr(unsafe.Pointer(&table[0]))
	h, err := NewVTableHook(base, 0, testConvention(collector), collector)
	require.NoError(t, err)
	require.NoError(t, m.Apply(h))
	defer func() { require.NoError(t, m.RemoveAll()) }()

	// a second hook targeting the same function is refused, the slot
	// now holds the bridge so the second hook reports the bridge
	// address, register it under the original to collide
	other, err := NewVTableHook(base, 0, testConvention(collector), collector)
	require.NoError(t, err)
	err = m.Apply(&addressOverride{hookIface: other, addr: 0x6000})
	require.Equal(t, ErrDoubleHook, errors.Cause(err))
	require.Equal(t, 1, m.Len())
}

// hookIface lets addressOverride embed the interface without the field
// name shadowing the Hook method.
type hookIface = Hook

// addressOverride pins the reported address, hooks read their live slot
// otherwise.
type addressOverride struct {
	hookIface
	addr uintptr
}

func (a *addressOverride) Address() uintptr {
	return a.addr
}

func TestManagerInstallFailure(t *testing.T) {
	collector := diag.NewCollector()
	m := NewManager(collector)

	table := (*[1]uintptr)(unsafe.Pointer(newTestTable(t, 1)))
	base := uintptr(unsafe.Pointer(&table[0]))
	h, err := NewVTableHook(base, 0, testConvention(collector), collector)
	require.NoError(t, err)

	err = m.Apply(h)
	require.Equal(t, ErrInstallFailed, errors.Cause(err))
	require.Equal(t, 0, m.Len())
}

func TestManagerNotFound(t *testing.T) {
	collector := diag.NewCollector()
	m := NewManager(collector)

	require.Equal(t, ErrHookNotFound, errors.Cause(m.Remove(0x1234)))
	err := m.AddCallback(0x1234, Pre, func(CallbackType, Hook) ReturnAction {
		return Ignored
	})
	require.Equal(t, ErrHookNotFound, errors.Cause(err))
}

func TestManagerAddCallback(t *testing.T) {
	collector := diag.NewCollector()
	m := NewManager(collector)

	table := (*[1]uintptr)(unsafe.Pointer(newTestTable(t, 1)))
	table[0] = 0x6000
	base := uintptr(unsafe.Pointer(&table[0]))
	h, err := NewVTableHook(base, 0, testConvention(collector), collector)
	require.NoError(t, err)
	require.NoError(t, m.Apply(h))
	defer func() { require.NoError(t, m.RemoveAll()) }()

	cb := func(CallbackType, Hook) ReturnAction { return Handled }
	require.NoError(t, m.AddCallback(0x6000, Pre, cb))
	require.True(t, h.IsCallbackRegistered(Pre, cb))

	// registering the same callback twice is refused
	require.Error(t, m.AddCallback(0x6000, Pre, cb))
}

func TestManagerRemoveAll(t *testing.T) {
	collector := diag.NewCollector()
	m := NewManager(collector)

	tables := make([]*[1]uintptr, 3)
	for i := range tables {
		tables[i] = (*[1]uintptr)(unsafe.Pointer(newTestTable(t, 1)))
		tables[i][0] = 0x7000 + uintptr(i)*0x100
		base := uintptr(unsafe.Pointer(&tables[i][0]))
		h, err := NewVTableHook(base, 0, testConvention(collector), collector)
		require.NoError(t, err)
		require.NoError(t, m.Apply(h))
	}
	require.Equal(t, 3, m.Len())

	require.NoError(t, m.RemoveAll())
	require.Equal(t, 0, m.Len())
	for i := range tables {
		require.Equal(t, 0x7000+uintptr(i)*0x100, tables[i][0])
	}
}
