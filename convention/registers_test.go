package convention

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterWidth(t *testing.T) {
	require.Equal(t, 0, None.Width())
	require.Equal(t, 8, RAX.Width())
	require.Equal(t, 8, R15.Width())
	require.Equal(t, 16, XMM0.Width())
	require.Equal(t, 16, XMM15.Width())

	require.False(t, RAX.IsVector())
	require.True(t, XMM3.IsVector())
}

func TestRegisterString(t *testing.T) {
	require.Equal(t, "rax", RAX.String())
	require.Equal(t, "xmm7", XMM7.String())
	require.Equal(t, "none", None.String())
	require.Equal(t, "unknown", Register(200).String())
}

func TestRegistersSnapshot(t *testing.T) {
	// duplicates collapse, None is ignored
	r := NewRegisters(RSP, RDI, RDI, None, XMM0)
	require.Equal(t, []Register{RSP, RDI, XMM0}, r.List())

	require.True(t, r.Has(RDI))
	require.False(t, r.Has(RSI))
	require.True(t, r.Ptr(RSI) == nil)
	require.Zero(t, r.SlotAddr(RSI))

	require.Len(t, r.Slot(RDI), 8)
	require.Len(t, r.Slot(XMM0), 16)

	r.SetUintptr(RDI, 0xDEADBEEF)
	require.Equal(t, uintptr(0xDEADBEEF), r.Uintptr(RDI))
	require.NotZero(t, r.SlotAddr(RDI))

	// writes to missing registers are dropped, reads yield zero
	r.SetUintptr(RSI, 1)
	require.Zero(t, r.Uintptr(RSI))
}
