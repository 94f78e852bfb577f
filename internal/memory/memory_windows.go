//go:build windows
// +build windows

package memory

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const memType = windows.MEM_COMMIT | windows.MEM_RESERVE

// protections restored by Restore, recorded by Protect per range start
var (
	oldProtectsLock sync.Mutex
	oldProtects     = make(map[uintptr]uint32)
)

// Protect makes [addr, addr+size) writable and records the previous
// protection for Restore.
func Protect(addr uintptr, size int) error {
	old := new(uint32)
	err := windows.VirtualProtect(addr, uintptr(size), windows.PAGE_EXECUTE_READWRITE, old)
	if err != nil {
		return errors.Wrap(err, "failed to make pages writable")
	}
	oldProtectsLock.Lock()
	oldProtects[addr] = *old
	oldProtectsLock.Unlock()
	return nil
}

// Restore puts back the protection recorded by a previous Protect on the
// same range, falling back to execute+read when it was never recorded.
func Restore(addr uintptr, size int) error {
	newProtect := uint32(windows.PAGE_EXECUTE_READ)
	oldProtectsLock.Lock()
	if old, ok := oldProtects[addr]; ok {
		newProtect = old
		delete(oldProtects, addr)
	}
	oldProtectsLock.Unlock()
	old := new(uint32)
	err := windows.VirtualProtect(addr, uintptr(size), newProtect, old)
	if err != nil {
		return errors.Wrap(err, "failed to restore page protection")
	}
	return nil
}

// Alloc commits a new executable block of at least size bytes.
func Alloc(size int) (*Block, error) {
	if size < 1 {
		return nil, errors.New("invalid block size")
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), memType, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate executable block")
	}
	return &Block{
		Addr: addr,
		Size: size,
		buf:  Bytes(addr, size),
	}, nil
}

// AllocNear commits a new executable block, walking candidate addresses
// outward from addr so a rel32 jump can usually reach it. Falls back to
// an arbitrary address when no nearby region is free, callers must still
// verify reachability.
func AllocNear(addr uintptr, size int) (*Block, error) {
	if size < 1 {
		return nil, errors.New("invalid block size")
	}
	const maxDistance = 0x7FFFFF00
	granularity := uintptr(0x10000)
	start := addr &^ (granularity - 1)
	for offset := granularity; offset < maxDistance; offset += granularity {
		for _, candidate := range []uintptr{start + offset, start - offset} {
			if candidate == 0 || candidate < start-maxDistance || candidate > start+maxDistance {
				continue
			}
			a, err := windows.VirtualAlloc(candidate, uintptr(size), memType, windows.PAGE_EXECUTE_READWRITE)
			if err == nil && a != 0 {
				return &Block{Addr: a, Size: size, buf: Bytes(a, size)}, nil
			}
		}
	}
	return Alloc(size)
}

// Free releases the block. The block must not be referenced afterwards.
func Free(b *Block) error {
	if b == nil || b.buf == nil {
		return nil
	}
	err := windows.VirtualFree(b.Addr, 0, windows.MEM_RELEASE)
	if err != nil {
		return errors.Wrap(err, "failed to release block")
	}
	b.buf = nil
	b.Addr = 0
	b.Size = 0
	return nil
}
