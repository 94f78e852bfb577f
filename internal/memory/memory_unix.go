//go:build !windows
// +build !windows

package memory

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// pageSpan returns the page-aligned start and length covering [addr, addr+size).
func pageSpan(addr, size uintptr) (uintptr, uintptr) {
	start := pageSize * (addr / pageSize)
	length := pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	return start, length
}

// Protect makes the pages covering [addr, addr+size) writable, keeping
// them readable and executable so concurrent callers of untouched code
// on the same page keep running.
func Protect(addr uintptr, size int) error {
	start, length := pageSpan(addr, uintptr(size))
	for i := uintptr(0); i < length; i += pageSize {
		err := unix.Mprotect(Bytes(start+i, int(pageSize)), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
		if err != nil {
			return errors.Wrap(err, "failed to make pages writable")
		}
	}
	return nil
}

// Restore drops the write permission granted by a previous Protect on
// the same range.
func Restore(addr uintptr, size int) error {
	start, length := pageSpan(addr, uintptr(size))
	for i := uintptr(0); i < length; i += pageSize {
		err := unix.Mprotect(Bytes(start+i, int(pageSize)), unix.PROT_READ|unix.PROT_EXEC)
		if err != nil {
			return errors.Wrap(err, "failed to restore page protection")
		}
	}
	return nil
}

// Alloc maps a new executable block of at least size bytes.
func Alloc(size int) (*Block, error) {
	if size < 1 {
		return nil, errors.New("invalid block size")
	}
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map executable block")
	}
	return &Block{
		Addr: uintptr(unsafePtr(buf)),
		Size: len(buf),
		buf:  buf,
	}, nil
}

// AllocNear maps a new executable block, preferring an address reachable
// from addr with a rel32 displacement. The kernel decides placement, so
// callers must still verify reachability and fall back to an absolute
// jump encoding when the block landed out of range.
func AllocNear(addr uintptr, size int) (*Block, error) {
	return Alloc(size)
}

// Free unmaps the block. The block must not be referenced afterwards.
func Free(b *Block) error {
	if b == nil || b.buf == nil {
		return nil
	}
	err := unix.Munmap(b.buf)
	if err != nil {
		return errors.Wrap(err, "failed to unmap block")
	}
	b.buf = nil
	b.Addr = 0
	b.Size = 0
	return nil
}
