package heap

import (
	"kitsuneos/kernel"
	"math/rand"
	"runtime"
	"testing"
	"unsafe"
)

type region struct {
	start, size uintptr
}

// heapMem returns a buffer of the requested size whose start is aligned to
// 256 bytes.
func heapMem(size uintptr) ([]byte, uintptr) {
	buf := make([]byte, size+256)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return buf, alignUp(addr, 256)
}

func freeRegions(a *Allocator) []region {
	var regions []region
	a.VisitFreeRegions(func(start, size uintptr) bool {
		regions = append(regions, region{start, size})
		return true
	})
	return regions
}

// checkFreeList verifies that the free list is sorted, non-overlapping,
// coalesced and that every node can hold a header.
func checkFreeList(t *testing.T, a *Allocator) {
	t.Helper()

	regions := freeRegions(a)
	for i, r := range regions {
		if r.size < nodeSize {
			t.Fatalf("free region %d at 0x%x has size %d which is smaller than a node", i, r.start, r.size)
		}

		if r.start < a.start || r.start+r.size > a.end {
			t.Fatalf("free region %d [0x%x, 0x%x) lies outside the heap", i, r.start, r.start+r.size)
		}

		if i == 0 {
			continue
		}

		prev := regions[i-1]
		switch end := prev.start + prev.size; {
		case end > r.start:
			t.Fatalf("free regions %d and %d are unsorted or overlap", i-1, i)
		case end == r.start:
			t.Fatalf("free regions %d and %d are contiguous but not merged", i-1, i)
		}
	}
}

func TestAllocatorInit(t *testing.T) {
	buf, start := heapMem(4096)
	defer runtime.KeepAlive(buf)

	var a Allocator

	specs := []struct {
		start, size uintptr
		expErr      *kernel.Error
	}{
		{start + 1, 4096, ErrMisalignedStart},
		{start + 4, 4096, ErrMisalignedStart},
		{start, 8, ErrHeapTooSmall},
		{start, nodeSize + 7, nil},
		{start, 4096, nil},
	}

	for specIndex, spec := range specs {
		if err := a.Init(spec.start, spec.size); err != spec.expErr {
			t.Errorf("[spec %d] expected to get error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	regions := freeRegions(&a)
	if len(regions) != 1 || regions[0] != (region{start, 4096}) {
		t.Fatalf("expected a single free region spanning the heap; got %v", regions)
	}
}

func TestAllocatorNotInitialized(t *testing.T) {
	var a Allocator

	if _, err := a.Alloc(16, 8); err != ErrNotInitialized {
		t.Fatalf("expected Alloc to return ErrNotInitialized; got %v", err)
	}

	if err := a.Free(0x1000, 16); err != ErrNotInitialized {
		t.Fatalf("expected Free to return ErrNotInitialized; got %v", err)
	}
}

func TestAllocatorRoundTrip(t *testing.T) {
	buf, start := heapMem(4096)
	defer runtime.KeepAlive(buf)

	specs := []struct {
		name      string
		freeOrder [2]int
	}{
		{"free in allocation order", [2]int{0, 1}},
		{"free in reverse order", [2]int{1, 0}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			var a Allocator
			if err := a.Init(start, 4096); err != nil {
				t.Fatal(err)
			}

			var blocks [2]uintptr
			for i := range blocks {
				addr, err := a.Alloc(100, 8)
				if err != nil {
					t.Fatal(err)
				}
				blocks[i] = addr
			}

			if blocks[0]+100 > blocks[1] && blocks[1]+100 > blocks[0] {
				t.Fatalf("allocated blocks 0x%x and 0x%x overlap", blocks[0], blocks[1])
			}
			checkFreeList(t, &a)

			for _, index := range spec.freeOrder {
				if err := a.Free(blocks[index], 100); err != nil {
					t.Fatal(err)
				}
				checkFreeList(t, &a)
			}

			regions := freeRegions(&a)
			if len(regions) != 1 || regions[0] != (region{start, 4096}) {
				t.Fatalf("expected a single free region spanning the heap; got %v", regions)
			}
		})
	}
}

func TestAllocatorSplit(t *testing.T) {
	buf, start := heapMem(48)
	defer runtime.KeepAlive(buf)

	var a Allocator
	if err := a.Init(start, 48); err != nil {
		t.Fatal(err)
	}

	// Requests smaller than a node are raised to the node size and
	// rounded to the node alignment
	addr, err := a.Alloc(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	if addr != start {
		t.Fatalf("expected first allocation at 0x%x; got 0x%x", start, addr)
	}

	if regions := freeRegions(&a); len(regions) != 1 || regions[0] != (region{start + 16, 32}) {
		t.Fatalf("expected remainder node [0x%x, +32); got %v", start+16, regions)
	}

	// A remainder of 8 bytes cannot hold a node so the whole region is consumed
	if addr, err = a.Alloc(20, 8); err != nil {
		t.Fatal(err)
	}

	if addr != start+16 {
		t.Fatalf("expected second allocation at 0x%x; got 0x%x", start+16, addr)
	}

	if regions := freeRegions(&a); len(regions) != 0 {
		t.Fatalf("expected free list to be empty; got %v", regions)
	}

	if _, err = a.Alloc(1, 8); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	// Releasing with the requested sizes does not recover the consumed tail
	if err = a.Free(start+16, 20); err != nil {
		t.Fatal(err)
	}

	if err = a.Free(start, 1); err != nil {
		t.Fatal(err)
	}

	if regions := freeRegions(&a); len(regions) != 1 || regions[0] != (region{start, 40}) {
		t.Fatalf("expected a single free node [0x%x, +40); got %v", start, regions)
	}

	if _, err = a.Alloc(48, 8); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory for the full heap size; got %v", err)
	}
}

func TestAllocatorAlignment(t *testing.T) {
	buf, start := heapMem(4096)
	defer runtime.KeepAlive(buf)

	var a Allocator
	if err := a.Init(start, 4096); err != nil {
		t.Fatal(err)
	}

	for _, align := range []uintptr{0, 3, 24} {
		if _, err := a.Alloc(16, align); err != ErrInvalidAlignment {
			t.Errorf("[align %d] expected to get ErrInvalidAlignment; got %v", align, err)
		}
	}

	if _, err := a.Alloc(24, 8); err != nil {
		t.Fatal(err)
	}

	// The free node starts at start+24. Aligning to 32 would leave 8 bytes of
	// padding which cannot hold a node, so the block moves to start+64.
	addr, err := a.Alloc(8, 32)
	if err != nil {
		t.Fatal(err)
	}

	if exp := start + 64; addr != exp {
		t.Fatalf("expected aligned allocation at 0x%x; got 0x%x", exp, addr)
	}

	// The padding stays on the free list
	exp := []region{{start + 24, 40}, {start + 80, 4096 - 80}}
	if regions := freeRegions(&a); len(regions) != 2 || regions[0] != exp[0] || regions[1] != exp[1] {
		t.Fatalf("expected free regions %v; got %v", exp, regions)
	}

	addr, err = a.Alloc(256, 256)
	if err != nil {
		t.Fatal(err)
	}

	if addr&255 != 0 {
		t.Fatalf("expected allocation to be aligned to 256 bytes; got 0x%x", addr)
	}
	checkFreeList(t, &a)

	// The padding can be used by subsequent allocations
	if addr, err = a.Alloc(40, 8); err != nil || addr != start+24 {
		t.Fatalf("expected allocation at 0x%x; got 0x%x, %v", start+24, addr, err)
	}
	checkFreeList(t, &a)
}

func TestAllocatorTripleCoalesce(t *testing.T) {
	buf, start := heapMem(4096)
	defer runtime.KeepAlive(buf)

	var a Allocator
	if err := a.Init(start, 4096); err != nil {
		t.Fatal(err)
	}

	var blocks [3]uintptr
	for i := range blocks {
		addr, err := a.Alloc(32, 8)
		if err != nil {
			t.Fatal(err)
		}
		blocks[i] = addr
	}

	specs := []struct {
		block      int
		expRegions []region
	}{
		{0, []region{{start, 32}, {start + 96, 4000}}},
		// merges with the region above
		{2, []region{{start, 32}, {start + 64, 4032}}},
		// merges with the regions on both sides
		{1, []region{{start, 4096}}},
	}

	for specIndex, spec := range specs {
		if err := a.Free(blocks[spec.block], 32); err != nil {
			t.Fatalf("[spec %d] %v", specIndex, err)
		}

		regions := freeRegions(&a)
		if len(regions) != len(spec.expRegions) {
			t.Fatalf("[spec %d] expected free regions %v; got %v", specIndex, spec.expRegions, regions)
		}

		for i := range regions {
			if regions[i] != spec.expRegions[i] {
				t.Fatalf("[spec %d] expected free regions %v; got %v", specIndex, spec.expRegions, regions)
			}
		}
	}
}

func TestAllocatorMergeBelow(t *testing.T) {
	buf, start := heapMem(128)
	defer runtime.KeepAlive(buf)

	var a Allocator
	if err := a.Init(start, 128); err != nil {
		t.Fatal(err)
	}

	var blocks [4]uintptr
	for i := range blocks {
		addr, err := a.Alloc(32, 8)
		if err != nil {
			t.Fatal(err)
		}
		blocks[i] = addr
	}

	if err := a.Free(blocks[0], 32); err != nil {
		t.Fatal(err)
	}

	if err := a.Free(blocks[1], 32); err != nil {
		t.Fatal(err)
	}

	if regions := freeRegions(&a); len(regions) != 1 || regions[0] != (region{start, 64}) {
		t.Fatalf("expected a single free region [0x%x, +64); got %v", start, regions)
	}

	// Block 3 is inserted after the merged region
	if err := a.Free(blocks[3], 32); err != nil {
		t.Fatal(err)
	}

	exp := []region{{start, 64}, {start + 96, 32}}
	if regions := freeRegions(&a); len(regions) != 2 || regions[0] != exp[0] || regions[1] != exp[1] {
		t.Fatalf("expected free regions %v; got %v", exp, regions)
	}
}

func TestAllocatorInvalidFree(t *testing.T) {
	buf, start := heapMem(4096)
	defer runtime.KeepAlive(buf)

	var a Allocator
	if err := a.Init(start, 4096); err != nil {
		t.Fatal(err)
	}

	addr, err := a.Alloc(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		addr, size uintptr
	}{
		// outside the heap
		{start - 64, 64},
		{start + 4096, 16},
		{start + 4096 - 16, 32},
		// misaligned
		{addr + 4, 16},
		// overlaps the free region above the block
		{addr, 128},
		// already free
		{start + 64, 16},
		{start + 1024, 64},
	}

	for specIndex, spec := range specs {
		if err := a.Free(spec.addr, spec.size); err != ErrInvalidFree {
			t.Errorf("[spec %d] expected to get ErrInvalidFree; got %v", specIndex, err)
		}
	}

	// Double free
	if err = a.Free(addr, 64); err != nil {
		t.Fatal(err)
	}

	if err = a.Free(addr, 64); err != ErrInvalidFree {
		t.Fatalf("expected double free to return ErrInvalidFree; got %v", err)
	}
	checkFreeList(t, &a)
}

func TestAllocatorExhaustion(t *testing.T) {
	buf, start := heapMem(1024)
	defer runtime.KeepAlive(buf)

	var a Allocator
	if err := a.Init(start, 1024); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Alloc(2048, 8); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	if _, err := a.Alloc(^uintptr(0), 8); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	for i := 0; i < 16; i++ {
		if _, err := a.Alloc(64, 8); err != nil {
			t.Fatalf("[alloc %d] %v", i, err)
		}
	}

	if _, err := a.Alloc(1, 1); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	if a.FreeBytes() != 0 {
		t.Fatalf("expected no free bytes; got %d", a.FreeBytes())
	}
}

func TestAllocatorRandomized(t *testing.T) {
	const heapSize = 64 << 10

	buf, start := heapMem(heapSize)
	defer runtime.KeepAlive(buf)

	var (
		a      Allocator
		rng    = rand.New(rand.NewSource(7))
		blocks []region
		inUse  uintptr
	)

	if err := a.Init(start, heapSize); err != nil {
		t.Fatal(err)
	}

	for iteration := 0; iteration < 4000; iteration++ {
		if len(blocks) == 0 || rng.Intn(3) != 0 {
			// Sizes and alignments that are multiples of the node size
			// never leave unusable tails behind.
			size := uintptr(rng.Intn(32)+1) * 16
			align := uintptr(1) << uint(rng.Intn(7)+4)

			addr, err := a.Alloc(size, align)
			if err == ErrOutOfMemory {
				continue
			} else if err != nil {
				t.Fatalf("[iteration %d] %v", iteration, err)
			}

			if addr&(align-1) != 0 {
				t.Fatalf("[iteration %d] allocation 0x%x is not aligned to %d", iteration, addr, align)
			}

			for _, b := range blocks {
				if addr < b.start+b.size && b.start < addr+size {
					t.Fatalf("[iteration %d] allocation [0x%x, +%d) overlaps block [0x%x, +%d)", iteration, addr, size, b.start, b.size)
				}
			}

			blocks = append(blocks, region{addr, size})
			inUse += size
		} else {
			index := rng.Intn(len(blocks))
			b := blocks[index]
			blocks = append(blocks[:index], blocks[index+1:]...)

			if err := a.Free(b.start, b.size); err != nil {
				t.Fatalf("[iteration %d] %v", iteration, err)
			}
			inUse -= b.size
		}

		checkFreeList(t, &a)
		if exp, got := heapSize-inUse, a.FreeBytes(); got != exp {
			t.Fatalf("[iteration %d] expected %d free bytes; got %d", iteration, exp, got)
		}
	}

	for _, b := range blocks {
		if err := a.Free(b.start, b.size); err != nil {
			t.Fatal(err)
		}
	}

	if regions := freeRegions(&a); len(regions) != 1 || regions[0] != (region{start, heapSize}) {
		t.Fatalf("expected a single free region spanning the heap; got %v", regions)
	}
}
