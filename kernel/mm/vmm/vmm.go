// Package vmm implements the virtual memory mapper. It builds the kernel page
// table hierarchy, identity-maps the firmware memory map, maps device MMIO
// regions uncached and backs the kernel heap with physical frames.
package vmm

import (
	"kitsuneos/efi"
	"kitsuneos/kernel"
	"kitsuneos/kernel/cpu"
	"kitsuneos/kernel/kfmt"
	"kitsuneos/kernel/mm"
)

// Stage describes how far the kernel address space construction has
// progressed. Stages only move forward.
type Stage uint8

const (
	// StageUnbuilt is the initial stage.
	StageUnbuilt Stage = iota

	// StageRootAllocated is entered once the root table is allocated.
	StageRootAllocated

	// StageRegionsMapped is entered once every firmware memory region is
	// identity-mapped.
	StageRegionsMapped

	// StageDevicesMapped is entered once the device regions are mapped.
	StageDevicesMapped

	// StageActive is entered when the kernel address space is loaded
	// into CR3.
	StageActive

	// StageHeapMapped is entered once the heap range is backed by frames.
	StageHeapMapped
)

// String implements fmt.Stringer for Stage.
func (s Stage) String() string {
	switch s {
	case StageUnbuilt:
		return "unbuilt"
	case StageRootAllocated:
		return "root allocated"
	case StageRegionsMapped:
		return "regions mapped"
	case StageDevicesMapped:
		return "devices mapped"
	case StageActive:
		return "active"
	case StageHeapMapped:
		return "heap mapped"
	default:
		return "unknown"
	}
}

// DeviceRegion describes a memory-mapped device range.
type DeviceRegion struct {
	Name     string
	PhysAddr uintptr
	Size     uintptr
}

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn   = cpu.FlushTLBEntry
	switchPDTFn       = cpu.SwitchPDT
	activePDTFn       = cpu.ActivePDT
	visitMemRegionsFn = efi.VisitMemRegions

	stage           Stage
	kernelAddrSpace = AddressSpace{root: mm.InvalidFrame}

	// ErrInvalidStage is returned when a boot step is invoked out of
	// order.
	ErrInvalidStage = &kernel.Error{Module: "vmm", Message: "operation not valid at the current address space build stage"}
)

// SetCPUHooks replaces the privileged instructions used for TLB flushes and
// CR3 access. It allows the mapper to drive simulated page tables when the
// kernel code runs as a regular process.
func SetCPUHooks(flushTLBEntry func(uintptr), switchPDT func(uintptr), activePDT func() uintptr) {
	flushTLBEntryFn = flushTLBEntry
	switchPDTFn = switchPDT
	activePDTFn = activePDT
}

// CurrentStage returns the kernel address space build stage.
func CurrentStage() Stage {
	return stage
}

// BuildAddressSpace creates the kernel address space. Every region in the
// firmware memory map is identity-mapped with FlagPresent|FlagRW and the
// supplied device regions are then mapped via MapDevices. Pages that are
// already mapped or covered by a huge page are skipped; any other error
// aborts the build.
//
// The returned address space is not activated.
func BuildAddressSpace(devices []DeviceRegion) (AddressSpace, *kernel.Error) {
	if stage != StageUnbuilt {
		return AddressSpace{root: mm.InvalidFrame}, ErrInvalidStage
	}

	as, err := NewAddressSpace()
	if err != nil {
		return as, err
	}
	kernelAddrSpace = as
	stage = StageRootAllocated

	if _, _, err = identityMapRegions(as); err != nil {
		return as, err
	}
	stage = StageRegionsMapped

	if err = MapDevices(as, devices); err != nil {
		return as, err
	}

	return as, nil
}

// identityMapRegions identity-maps every page of every region reported by the
// firmware. It returns the number of newly mapped pages and the number of
// pages that were skipped because they were already mapped.
func identityMapRegions(as AddressSpace) (mapped, skipped uint64, err *kernel.Error) {
	var regionCount uint64

	visitMemRegionsFn(func(region *efi.MemoryDescriptor) bool {
		frame := mm.FrameFromAddress(uintptr(region.PhysicalStart))
		for pages := region.NumberOfPages; pages > 0; pages, frame = pages-1, frame+1 {
			switch mapErr := as.Map(mm.Page(frame), frame, FlagPresent|FlagRW); mapErr {
			case nil:
				mapped++
			case ErrPageAlreadyMapped, ErrParentEntryHugePage:
				skipped++
			default:
				err = mapErr
				return false
			}
		}

		regionCount++
		return true
	})

	if err != nil {
		return mapped, skipped, err
	}

	kfmt.Printf("[vmm] identity mapped %d regions (%d pages, %d skipped)\n", regionCount, mapped, skipped)
	return mapped, skipped, nil
}

// MapDevices identity-maps the supplied device regions using
// FlagPresent|FlagRW|FlagDoNotCache. Pages that are already mapped are
// logged and left untouched. Regions with a zero size are ignored.
func MapDevices(as AddressSpace, devices []DeviceRegion) *kernel.Error {
	if stage != StageRegionsMapped {
		return ErrInvalidStage
	}

	for _, dev := range devices {
		if dev.Size == 0 {
			continue
		}

		var (
			frame     = mm.FrameFromAddress(dev.PhysAddr)
			pageCount = mm.PagesFor(dev.PhysAddr - frame.Address() + dev.Size)
		)

		for ; pageCount > 0; pageCount, frame = pageCount-1, frame+1 {
			switch err := as.Map(mm.Page(frame), frame, FlagPresent|FlagRW|FlagDoNotCache); err {
			case nil:
			case ErrPageAlreadyMapped:
				kfmt.Printf("[vmm] %s: page 0x%x already mapped\n", dev.Name, frame.Address())
			default:
				return err
			}
		}

		kfmt.Printf("[vmm] mapped %s at 0x%x (%d bytes)\n", dev.Name, dev.PhysAddr, dev.Size)
	}

	stage = StageDevicesMapped
	return nil
}

// MapHeap backs ceil(size/PageSize) pages starting at start with freshly
// allocated frames using the address space that is currently loaded in CR3.
//
// If a frame allocation or mapping fails, MapHeap returns the error without
// undoing the mappings it already established.
func MapHeap(start, size uintptr) *kernel.Error {
	if stage != StageActive {
		return ErrInvalidStage
	}

	var (
		as        = ActiveAddressSpace()
		page      = mm.PageFromAddress(start)
		pageCount = mm.PagesFor(size)
	)

	for remaining := pageCount; remaining > 0; remaining, page = remaining-1, page+1 {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		if err = as.Map(page, frame, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	stage = StageHeapMapped
	kfmt.Printf("[vmm] mapped heap [0x%x - 0x%x] (%d pages)\n", start, start+size, pageCount)
	return nil
}
