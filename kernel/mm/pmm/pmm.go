// Package pmm implements the physical memory manager. It owns every physical
// frame reported by the firmware and hands them out one at a time to the rest
// of the kernel.
package pmm

import (
	"kitsuneos/efi"
	"kitsuneos/kernel"
	"kitsuneos/kernel/kfmt"
	"kitsuneos/kernel/mm"
	"kitsuneos/kernel/sync"
)

var (
	// frameAllocator is the allocator instance registered with the mm
	// package once Init completes.
	frameAllocator BitmapAllocator
	allocLock      sync.IRQSpinlock

	// visitMemRegionsFn is mocked by tests and is automatically inlined
	// by the compiler.
	visitMemRegionsFn = efi.VisitMemRegions

	errNoConventionalMemory = &kernel.Error{Module: "pmm", Message: "firmware memory map contains no conventional memory"}
)

// Init sets up the kernel physical memory allocation sub-system using the
// memory map supplied by the firmware.
//
// The frame count is the sum of the page counts of every reported region.
// The bitmap is stored at the start of the largest conventional region. All
// frames start out as used; conventional and boot services regions are then
// released and finally the frames occupied by the bitmap itself are reserved
// again. Releasing before reserving is required; otherwise the bitmap frames
// would be handed out and overwritten.
func Init() *kernel.Error {
	var (
		totalFrames   uint64
		bitmapRegion  uintptr
		bitmapPages   uint64
		bitmapFrames  uintptr
		bitmapWords   uint64
		bitmapAddress uintptr
	)

	visitMemRegionsFn(func(region *efi.MemoryDescriptor) bool {
		totalFrames += region.NumberOfPages

		if region.Type.Usable() && region.NumberOfPages > bitmapPages {
			bitmapRegion = uintptr(region.PhysicalStart)
			bitmapPages = region.NumberOfPages
		}
		return true
	})

	if bitmapPages == 0 {
		return errNoConventionalMemory
	}

	bitmapWords = (totalFrames + 63) >> 6
	bitmapFrames = mm.PagesFor(uintptr(bitmapWords << 3))
	if uint64(bitmapFrames) > bitmapPages {
		return ErrBitmapTooSmall
	}

	bitmapAddress = mm.PhysToVirt(bitmapRegion)

	allocLock.Acquire()
	err := frameAllocator.Init(kernel.Uint64Slice(bitmapAddress, int(bitmapWords)), totalFrames)
	if err == nil {
		visitMemRegionsFn(func(region *efi.MemoryDescriptor) bool {
			if region.Type.Usable() || region.Type.Reclaimable() {
				frameAllocator.MarkRangeFree(mm.FrameFromAddress(uintptr(region.PhysicalStart)), region.NumberOfPages)
			}
			return true
		})

		frameAllocator.MarkRangeUsed(mm.FrameFromAddress(bitmapRegion), uint64(bitmapFrames))
	}
	allocLock.Release()

	if err != nil {
		return err
	}

	mm.SetFrameAllocator(AllocFrame)
	printMemoryMap(bitmapRegion, bitmapFrames)
	return nil
}

// printMemoryMap prints out the firmware memory map and a summary of the
// allocator state.
func printMemoryMap(bitmapRegion, bitmapFrames uintptr) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	visitMemRegionsFn(func(region *efi.MemoryDescriptor) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysicalStart,
			region.PhysicalStart+region.Length(),
			region.Length(),
			region.Type.String(),
		)

		if region.Type.Usable() || region.Type.Reclaimable() {
			totalFree += mm.Size(region.Length())
		}
		return true
	})

	total, used := Stats()
	kfmt.Printf("[pmm] available memory: %dKb (%d pages)\n", uint64(totalFree/mm.Kb), totalFree.Pages())
	kfmt.Printf("[pmm] bitmap at 0x%x (%d frames); tracking %d frames, %d in use\n", bitmapRegion, bitmapFrames, total, used)
}

// AllocFrame reserves a free physical frame. It is registered with the mm
// package as the system frame allocator.
func AllocFrame() (mm.Frame, *kernel.Error) {
	allocLock.Acquire()
	frame, err := frameAllocator.AllocFrame()
	allocLock.Release()

	return frame, err
}

// FreeFrame returns a frame obtained via AllocFrame to the free pool.
func FreeFrame(frame mm.Frame) {
	allocLock.Acquire()
	frameAllocator.FreeFrame(frame)
	allocLock.Release()
}

// FrameUsed returns true if the frame is currently reserved.
func FrameUsed(frame mm.Frame) bool {
	allocLock.Acquire()
	used := frameAllocator.IsUsed(frame)
	allocLock.Release()

	return used
}

// Stats returns the number of tracked and reserved frames.
func Stats() (total, used uint64) {
	allocLock.Acquire()
	total, used = frameAllocator.TotalFrames(), frameAllocator.UsedFrames()
	allocLock.Release()

	return total, used
}
