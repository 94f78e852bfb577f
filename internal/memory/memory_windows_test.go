//go:build windows
// +build windows

package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtectRestoreConcurrent(t *testing.T) {
	blocks := make([]*Block, 8)
	for i := range blocks {
		b, err := Alloc(64)
		require.NoError(t, err)
		blocks[i] = b
	}
	defer func() {
		for _, b := range blocks {
			require.NoError(t, Free(b))
		}
	}()

	// hooks on different targets flip page protections from their own
	// goroutines, the saved protections must not race
	var wg sync.WaitGroup
	for _, b := range blocks {
		wg.Add(1)
		go func(b *Block) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				require.NoError(t, Protect(b.Addr, b.Size))
				require.NoError(t, Restore(b.Addr, b.Size))
			}
		}(b)
	}
	wg.Wait()
}
