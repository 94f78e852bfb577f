// Package memory provides the process-memory collaborator for the hook
// engine: raw views over in-process addresses, page permission flips on
// patched code and executable blocks for bridges and trampolines.
package memory

import (
	"reflect"
	"unsafe"
)

// Bytes returns a slice aliasing size bytes of process memory at addr.
// The slice shares storage with the target memory, writes through it are
// writes to the process. The memory must stay mapped while the slice is
// in use.
func Bytes(addr uintptr, size int) []byte {
	var b []byte
	h := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	h.Data = addr
	h.Len = size
	h.Cap = size
	return b
}

// BytesPtr is like Bytes but starts from an unsafe pointer.
func BytesPtr(p unsafe.Pointer, size int) []byte {
	return Bytes(uintptr(p), size)
}

// ReadBytes copies size bytes of process memory at addr.
func ReadBytes(addr uintptr, size int) []byte {
	data := make([]byte, size)
	copy(data, Bytes(addr, size))
	return data
}

// WriteBytes copies data into process memory at addr. The range must be
// writable, callers flip permissions with Protect first when it is not.
func WriteBytes(addr uintptr, data []byte) {
	copy(Bytes(addr, len(data)), data)
}

func unsafePtr(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// Block is one executable allocation owned by a hook. Addr is stable for
// the lifetime of the block.
type Block struct {
	Addr uintptr
	Size int

	buf []byte
}

// Bytes returns the writable view of the whole block.
func (b *Block) Bytes() []byte {
	return b.buf
}
