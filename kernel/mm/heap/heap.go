// Package heap provides the kernel's dynamic memory allocator. It manages the
// virtual range [Start, Start+Size) once vmm.MapHeap has backed it with
// physical frames.
package heap

import (
	"kitsuneos/kernel"
	"kitsuneos/kernel/kfmt"
	"kitsuneos/kernel/sync"
)

var (
	kernelHeap Allocator
	heapLock   sync.IRQSpinlock

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}
)

// Init sets up the kernel heap over [start, start+size). The range must be
// mapped and writable.
func Init(start, size uintptr) *kernel.Error {
	heapLock.Acquire()
	err := errAlreadyInitialized
	if kernelHeap.end == 0 {
		err = kernelHeap.Init(start, size)
	}
	heapLock.Release()

	if err != nil {
		return err
	}

	kfmt.Printf("[heap] managing [0x%x - 0x%x] (%dKb)\n", start, start+size, uint64(size>>10))
	return nil
}

// Alloc reserves size bytes from the kernel heap aligned to align. It returns
// ErrOutOfMemory if the request cannot be satisfied. Invalid requests and
// calls made before Init are fatal.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	heapLock.Acquire()
	addr, err := kernelHeap.Alloc(size, align)
	heapLock.Release()

	switch err {
	case nil, ErrOutOfMemory:
		return addr, err
	default:
		panicFn(err)
		return 0, err
	}
}

// Free returns a block obtained via Alloc to the kernel heap. The size must
// match the one passed to Alloc. Invalid frees are fatal.
func Free(addr, size uintptr) {
	heapLock.Acquire()
	err := kernelHeap.Free(addr, size)
	heapLock.Release()

	if err != nil {
		panicFn(err)
	}
}

// FreeBytes returns the number of free bytes in the kernel heap.
func FreeBytes() uintptr {
	heapLock.Acquire()
	free := kernelHeap.FreeBytes()
	heapLock.Release()

	return free
}

// VisitFreeRegions invokes visitor for each free region of the kernel heap.
// The visitor runs with the heap lock held and must not call into the heap.
func VisitFreeRegions(visitor func(start, size uintptr) bool) {
	heapLock.Acquire()
	kernelHeap.VisitFreeRegions(visitor)
	heapLock.Release()
}
