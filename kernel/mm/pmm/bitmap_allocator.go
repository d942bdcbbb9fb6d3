package pmm

import (
	"kitsuneos/kernel"
	"kitsuneos/kernel/mm"
	"math"
	"math/bits"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when every tracked frame is
	// in use.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrBitmapTooSmall is returned by Init when the supplied storage cannot
	// hold one bit per tracked frame.
	ErrBitmapTooSmall = &kernel.Error{Module: "pmm", Message: "bitmap storage too small for the requested frame count"}
)

// BitmapAllocator implements a physical frame allocator that tracks the state
// of every frame using a single bitmap. Bit (i % 64) of word (i / 64) is set
// when frame i is in use.
//
// The bitmap storage is supplied by the caller; during boot it is carved out
// of the largest conventional memory region reported by the firmware.
type BitmapAllocator struct {
	bitmap []uint64

	// totalFrames is the number of frames tracked by the bitmap. Frames
	// with an index >= totalFrames are never handed out.
	totalFrames uint64

	// usedFrames always equals the number of set bits in [0, totalFrames).
	usedFrames uint64

	// nextFree is the index of the bitmap word where the next allocation
	// scan starts.
	nextFree uint64
}

// Init overlays the allocator on the supplied bitmap storage and marks all
// frames as used. The storage must hold at least ceil(totalFrames/64) words.
func (alloc *BitmapAllocator) Init(bitmap []uint64, totalFrames uint64) *kernel.Error {
	words := (totalFrames + 63) >> 6
	if uint64(len(bitmap)) < words {
		return ErrBitmapTooSmall
	}

	alloc.bitmap = bitmap[:words]
	for i := range alloc.bitmap {
		alloc.bitmap[i] = math.MaxUint64
	}

	alloc.totalFrames = totalFrames
	alloc.usedFrames = totalFrames
	alloc.nextFree = 0
	return nil
}

// MarkRangeFree flags count frames starting at start as available. Frames
// outside the tracked range are ignored.
func (alloc *BitmapAllocator) MarkRangeFree(start mm.Frame, count uint64) {
	alloc.markRange(start, count, false)
}

// MarkRangeUsed flags count frames starting at start as reserved. Frames
// outside the tracked range are ignored.
func (alloc *BitmapAllocator) MarkRangeUsed(start mm.Frame, count uint64) {
	alloc.markRange(start, count, true)
}

func (alloc *BitmapAllocator) markRange(start mm.Frame, count uint64, used bool) {
	if uint64(start) >= alloc.totalFrames {
		return
	}

	end := uint64(start) + count
	if end > alloc.totalFrames || end < uint64(start) {
		end = alloc.totalFrames
	}

	for frame := uint64(start); frame < end; frame++ {
		word, mask := frame>>6, uint64(1)<<(frame&63)

		switch isSet := alloc.bitmap[word]&mask != 0; {
		case used && !isSet:
			alloc.bitmap[word] |= mask
			alloc.usedFrames++
		case !used && isSet:
			alloc.bitmap[word] &^= mask
			alloc.usedFrames--
		}
	}
}

// AllocFrame reserves and returns the first available frame. The scan starts
// at the word that satisfied the previous allocation, runs to the end of the
// bitmap and then wraps around to the start.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	words := uint64(len(alloc.bitmap))

	for scanned, word := uint64(0), alloc.nextFree; scanned < words; scanned, word = scanned+1, word+1 {
		if word == words {
			word = 0
		}

		if alloc.bitmap[word] == math.MaxUint64 {
			continue
		}

		frame := word<<6 + uint64(bits.TrailingZeros64(^alloc.bitmap[word]))
		if frame >= alloc.totalFrames {
			continue
		}

		alloc.bitmap[word] |= uint64(1) << (frame & 63)
		alloc.usedFrames++
		alloc.nextFree = word
		return mm.Frame(frame), nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously obtained via AllocFrame. Freeing a
// frame that is already free is a no-op.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.MarkRangeFree(frame, 1)
}

// IsUsed returns true if the frame is reserved or lies outside the tracked
// range.
func (alloc *BitmapAllocator) IsUsed(frame mm.Frame) bool {
	if uint64(frame) >= alloc.totalFrames {
		return true
	}

	return alloc.bitmap[frame>>6]&(uint64(1)<<(frame&63)) != 0
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint64 { return alloc.totalFrames }

// UsedFrames returns the number of reserved frames.
func (alloc *BitmapAllocator) UsedFrames() uint64 { return alloc.usedFrames }

// FreeFrames returns the number of available frames.
func (alloc *BitmapAllocator) FreeFrames() uint64 { return alloc.totalFrames - alloc.usedFrames }
