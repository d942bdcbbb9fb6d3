package heap

import (
	"kitsuneos/kernel"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned when no free region can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	// ErrMisalignedStart is returned by Init when the heap start is not
	// aligned to the free-list node alignment.
	ErrMisalignedStart = &kernel.Error{Module: "heap", Message: "heap start is not properly aligned"}

	// ErrHeapTooSmall is returned by Init when the heap cannot hold a
	// single free-list node.
	ErrHeapTooSmall = &kernel.Error{Module: "heap", Message: "heap size is smaller than a free-list node"}

	// ErrInvalidAlignment is returned by Alloc when the requested
	// alignment is not a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}

	// ErrInvalidFree is returned by Free when the released block lies
	// outside the heap, is misaligned or overlaps a free region.
	ErrInvalidFree = &kernel.Error{Module: "heap", Message: "invalid free"}

	// ErrNotInitialized is returned when the allocator is used before Init.
	ErrNotInitialized = &kernel.Error{Module: "heap", Message: "heap not initialized"}
)

// freeNode is written at the start of every free region. Links are stored as
// addresses as the nodes live in memory that the Go runtime does not manage.
type freeNode struct {
	size uintptr
	next uintptr
}

const (
	nodeSize  = unsafe.Sizeof(freeNode{})
	nodeAlign = unsafe.Alignof(freeNode{})
)

func nodeAt(addr uintptr) *freeNode {
	return (*freeNode)(unsafe.Pointer(addr))
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// Allocator implements a first-fit allocator on top of a singly linked list
// of free regions. The list is kept sorted by address and adjacent regions
// are merged when blocks are released.
//
// Blocks carry no header, so callers must pass the size used for the
// allocation when releasing a block.
type Allocator struct {
	head       uintptr
	start, end uintptr
}

// Init sets up the allocator to manage the region [start, start+size). The
// whole region becomes a single free node. Any previous state is discarded.
func (a *Allocator) Init(start, size uintptr) *kernel.Error {
	if start&(nodeAlign-1) != 0 {
		return ErrMisalignedStart
	}

	size &^= nodeAlign - 1
	if size < nodeSize {
		return ErrHeapTooSmall
	}

	a.start, a.end = start, start+size
	a.head = start

	node := nodeAt(start)
	node.size = size
	node.next = 0
	return nil
}

// blockSize raises size to the smallest block that can later hold a free-list
// node.
func blockSize(size uintptr) uintptr {
	if size < nodeSize {
		size = nodeSize
	}
	return alignUp(size, nodeAlign)
}

// Alloc reserves size bytes aligned to align and returns their address.
// The first free region large enough for the request is used. Any part of the
// region before the aligned address that can hold a node stays on the free
// list; a remainder after the block that cannot hold a node is handed out
// together with the block.
func (a *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if a.end == 0 {
		return 0, ErrNotInitialized
	}

	if align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	if align < nodeAlign {
		align = nodeAlign
	}

	if size > a.end-a.start {
		return 0, ErrOutOfMemory
	}
	size = blockSize(size)

	for link, cur := &a.head, a.head; cur != 0; link, cur = &nodeAt(cur).next, nodeAt(cur).next {
		var (
			node      = nodeAt(cur)
			nodeEnd   = cur + node.size
			blockAddr = alignUp(cur, align)
		)

		// The padding in front of the block must either be empty or large
		// enough to remain in the list as a node.
		for blockAddr != cur && blockAddr-cur < nodeSize {
			blockAddr += align
		}

		if blockAddr < cur || blockAddr > nodeEnd || nodeEnd-blockAddr < size {
			continue
		}

		next := node.next
		if blockEnd := blockAddr + size; nodeEnd-blockEnd >= nodeSize {
			remainder := nodeAt(blockEnd)
			remainder.size = nodeEnd - blockEnd
			remainder.next = next
			next = blockEnd
		}

		if blockAddr != cur {
			node.size = blockAddr - cur
			node.next = next
		} else {
			*link = next
		}

		return blockAddr, nil
	}

	return 0, ErrOutOfMemory
}

// Free releases a block obtained from Alloc. The size must match the one
// passed to Alloc. The block is merged with the free regions immediately
// before and after it.
func (a *Allocator) Free(addr, size uintptr) *kernel.Error {
	if a.end == 0 {
		return ErrNotInitialized
	}

	size = blockSize(size)
	if addr&(nodeAlign-1) != 0 || addr < a.start || addr >= a.end || a.end-addr < size {
		return ErrInvalidFree
	}

	// Locate the free regions immediately before and after the block
	var prev, cur uintptr
	for cur = a.head; cur != 0 && cur < addr; prev, cur = cur, nodeAt(cur).next {
	}

	if (prev != 0 && prev+nodeAt(prev).size > addr) || (cur != 0 && addr+size > cur) {
		return ErrInvalidFree
	}

	var (
		mergeBelow = prev != 0 && prev+nodeAt(prev).size == addr
		mergeAbove = cur != 0 && addr+size == cur
	)

	switch {
	case mergeBelow && mergeAbove:
		prevNode, curNode := nodeAt(prev), nodeAt(cur)
		prevNode.size += size + curNode.size
		prevNode.next = curNode.next
	case mergeBelow:
		nodeAt(prev).size += size
	default:
		node := nodeAt(addr)
		node.size, node.next = size, cur
		if mergeAbove {
			curNode := nodeAt(cur)
			node.size += curNode.size
			node.next = curNode.next
		}

		if prev == 0 {
			a.head = addr
		} else {
			nodeAt(prev).next = addr
		}
	}

	return nil
}

// VisitFreeRegions invokes visitor for each free region in ascending address
// order. The visitor must return true to continue or false to abort the scan.
func (a *Allocator) VisitFreeRegions(visitor func(start, size uintptr) bool) {
	for cur := a.head; cur != 0; cur = nodeAt(cur).next {
		if !visitor(cur, nodeAt(cur).size) {
			return
		}
	}
}

// FreeBytes returns the total size of all free regions.
func (a *Allocator) FreeBytes() uintptr {
	var total uintptr
	a.VisitFreeRegions(func(_, size uintptr) bool {
		total += size
		return true
	})
	return total
}
