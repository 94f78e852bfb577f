package hookdyn

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/hookdyn/hookdyn/convention"
	"github.com/hookdyn/hookdyn/diag"
)

// newTestHook builds an uninstalled vtable hook over a test owned table
// so the callback machinery can run without patching anything.
func newTestHook(t *testing.T, collector *diag.Collector) (*VTableHook, *[4]uintptr) {
	table := (*[4]uintptr)(unsafe.Pointer(newTestTable(t, 4)))
	table[0] = 0x1000
	conv := convention.NewSystemVAmd64(
		[]convention.DataObject{{Type: convention.Pointer}},
		convention.DataObject{Type: convention.Int64},
		collector,
	)
	h, err := NewVTableHook(uintptr(unsafe.Pointer(&table[0])), 0, conv, collector)
	require.NoError(t, err)
	return h, table
}

func TestDispatchPrePost(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	var order []string
	pre := func(ct CallbackType, hook Hook) ReturnAction {
		require.Equal(t, Pre, ct)
		require.Same(t, h, hook)
		order = append(order, "pre")
		return Handled
	}
	post := func(ct CallbackType, hook Hook) ReturnAction {
		require.Equal(t, Post, ct)
		order = append(order, "post")
		return Ignored
	}
	require.True(t, h.AddCallback(Pre, pre))
	require.True(t, h.AddCallback(Post, post))

	require.Equal(t, Handled, h.Dispatch(Pre))
	returns, args := h.Convention().SavedDepth()
	require.Equal(t, 0, returns)
	require.Equal(t, 1, args)

	require.Equal(t, Ignored, h.Dispatch(Post))
	returns, args = h.Convention().SavedDepth()
	require.Equal(t, 0, returns)
	require.Equal(t, 0, args)
	require.Equal(t, []string{"pre", "post"}, order)
}

func TestDispatchOverrideRestoresReturnValue(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	pre := func(ct CallbackType, hook Hook) ReturnAction {
		ptr := hook.Convention().ReturnPtr(hook.Registers())
		*(*uint64)(ptr) = 0xAA
		return Override
	}
	require.True(t, h.AddCallback(Pre, pre))

	require.Equal(t, Override, h.Dispatch(Pre))
	returns, args := h.Convention().SavedDepth()
	require.Equal(t, 1, returns)
	require.Equal(t, 1, args)

	// the original function overwrites the return slot in between
	retPtr := h.Convention().ReturnPtr(h.Registers())
	*(*uint64)(retPtr) = 0xBB

	h.Dispatch(Post)
	require.Equal(t, uint64(0xAA), *(*uint64)(retPtr))
}

func TestDispatchSupercedeSkipsArgumentSave(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	pre := func(ct CallbackType, hook Hook) ReturnAction {
		ptr := hook.Convention().ReturnPtr(hook.Registers())
		*(*uint64)(ptr) = 0x77
		return Supercede
	}
	require.True(t, h.AddCallback(Pre, pre))

	require.Equal(t, Supercede, h.Dispatch(Pre))
	returns, args := h.Convention().SavedDepth()
	require.Equal(t, 1, returns)
	require.Equal(t, 0, args)

	h.Dispatch(Post)
	returns, args = h.Convention().SavedDepth()
	require.Equal(t, 0, returns)
	require.Equal(t, 0, args)
}

func TestDispatchStrongestVerdictWins(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	require.True(t, h.AddCallback(Pre, func(CallbackType, Hook) ReturnAction {
		return Handled
	}))
	require.True(t, h.AddCallback(Pre, func(CallbackType, Hook) ReturnAction {
		return Override
	}))
	require.True(t, h.AddCallback(Pre, func(CallbackType, Hook) ReturnAction {
		return Ignored
	}))

	require.Equal(t, Override, h.Dispatch(Pre))
	h.Dispatch(Post)
}

func TestDispatchNestedInvocations(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	argPtr := func() *uint64 {
		return (*uint64)(h.Convention().ArgumentPtr(0, h.Registers()))
	}

	*argPtr() = 1
	h.Dispatch(Pre)
	*argPtr() = 2
	h.Dispatch(Pre)

	// the inner level unwinds first
	*argPtr() = 99
	h.Dispatch(Post)
	require.Equal(t, uint64(2), *argPtr())
	h.Dispatch(Post)
	require.Equal(t, uint64(1), *argPtr())
}

func TestDispatchPostWithoutPre(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	require.Equal(t, Ignored, h.Dispatch(Post))
	events := collector.Events()
	require.NotEmpty(t, events)
	require.Equal(t, diag.Error, events[len(events)-1].Level)
}

func TestCallbackRegistration(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	cb := func(CallbackType, Hook) ReturnAction { return Ignored }
	other := func(CallbackType, Hook) ReturnAction { return Ignored }

	require.False(t, h.AreCallbacksRegistered())
	require.False(t, h.AddCallback(Pre, nil))

	require.True(t, h.AddCallback(Pre, cb))
	require.False(t, h.AddCallback(Pre, cb))
	require.True(t, h.IsCallbackRegistered(Pre, cb))
	require.False(t, h.IsCallbackRegistered(Post, cb))
	require.True(t, h.AreCallbacksRegistered())

	require.False(t, h.RemoveCallback(Pre, other))
	require.True(t, h.RemoveCallback(Pre, cb))
	require.False(t, h.IsCallbackRegistered(Pre, cb))
	require.False(t, h.AreCallbacksRegistered())
}

func TestReturnAddressStash(t *testing.T) {
	collector := diag.NewCollector()
	h, _ := newTestHook(t, collector)

	h.SetReturnAddress(0x1111, 0x8000)
	h.SetReturnAddress(0x2222, 0x8000)
	h.SetReturnAddress(0x3333, 0x9000)

	require.Equal(t, uintptr(0x2222), h.ReturnAddress(0x8000))
	require.Equal(t, uintptr(0x1111), h.ReturnAddress(0x8000))
	require.Equal(t, uintptr(0x3333), h.ReturnAddress(0x9000))

	require.Equal(t, uintptr(0), h.ReturnAddress(0x8000))
	events := collector.Events()
	require.NotEmpty(t, events)
	require.Equal(t, diag.Error, events[len(events)-1].Level)
}

func TestHookModeString(t *testing.T) {
	require.Equal(t, "detour", ModeDetour.String())
	require.Equal(t, "vtable swap", ModeVTableSwap.String())
	require.Equal(t, "unknown", HookMode(0).String())
}
