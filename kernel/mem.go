package kernel

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given address to the supplied value. Instead
// of a byte-by-byte loop it seeds the first byte and then doubles the filled
// prefix with copy, so clearing a page takes log2(PageSize) copy calls.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := ByteSlice(addr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// ByteSlice overlays a byte slice of the given length on top of the memory
// region starting at addr.
func ByteSlice(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// Uint64Slice overlays a []uint64 with the given number of words on top of
// the memory region starting at addr. The caller must ensure that addr is
// 8-byte aligned.
func Uint64Slice(addr uintptr, words int) []uint64 {
	return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  words,
		Cap:  words,
		Data: addr,
	}))
}
