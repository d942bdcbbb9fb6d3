// Package efi provides access to the boot information handed over by the
// UEFI loader once boot services have been exited: the firmware memory map
// and the GOP framebuffer description.
package efi

import "unsafe"

// PageSize is the fixed page size used by UEFI memory descriptors.
const PageSize = 4096

var infoData uintptr

// MemoryType defines the type of a MemoryDescriptor. The values follow the
// EFI_MEMORY_TYPE numbering used by UEFI firmware.
type MemoryType uint32

const (
	// MemReserved indicates memory that is not available for use.
	MemReserved MemoryType = iota

	// MemLoaderCode holds the code of the loaded kernel image.
	MemLoaderCode

	// MemLoaderData holds data allocated by the loader, including the
	// boot info block and the memory map itself.
	MemLoaderData

	// MemBootServicesCode holds firmware boot service code. It can be
	// reclaimed once boot services have been exited.
	MemBootServicesCode

	// MemBootServicesData holds firmware boot service data. It can be
	// reclaimed once boot services have been exited.
	MemBootServicesData

	// MemRuntimeServicesCode must be preserved for runtime services.
	MemRuntimeServicesCode

	// MemRuntimeServicesData must be preserved for runtime services.
	MemRuntimeServicesData

	// MemConventional is free memory available for general use.
	MemConventional

	// MemUnusable indicates memory with detected errors.
	MemUnusable

	// MemACPIReclaim holds ACPI tables.
	MemACPIReclaim

	// MemACPINVS must be preserved across sleep states.
	MemACPINVS

	// MemMMIO describes memory-mapped I/O ranges.
	MemMMIO

	// MemMMIOPortSpace describes memory-mapped I/O port space.
	MemMMIOPortSpace

	// MemPalCode is reserved for processor firmware code.
	MemPalCode

	// MemPersistent describes persistent memory.
	MemPersistent

	// Any value >= memTypeUnknown is reported as MemReserved.
	memTypeUnknown
)

// Usable returns true if the region is free RAM.
func (t MemoryType) Usable() bool {
	return t == MemConventional
}

// Reclaimable returns true if the region holds firmware boot service code or
// data that the kernel may reuse after exiting boot services.
func (t MemoryType) Reclaimable() bool {
	return t == MemBootServicesCode || t == MemBootServicesData
}

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemReserved:
		return "reserved"
	case MemLoaderCode:
		return "loader code"
	case MemLoaderData:
		return "loader data"
	case MemBootServicesCode:
		return "boot services code"
	case MemBootServicesData:
		return "boot services data"
	case MemRuntimeServicesCode:
		return "runtime services code"
	case MemRuntimeServicesData:
		return "runtime services data"
	case MemConventional:
		return "conventional"
	case MemUnusable:
		return "unusable"
	case MemACPIReclaim:
		return "ACPI (reclaimable)"
	case MemACPINVS:
		return "ACPI NVS"
	case MemMMIO:
		return "MMIO"
	case MemMMIOPortSpace:
		return "MMIO port space"
	case MemPalCode:
		return "PAL code"
	case MemPersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes a memory region reported by the firmware. Its
// layout matches EFI_MEMORY_DESCRIPTOR.
type MemoryDescriptor struct {
	// The type of this region.
	Type MemoryType

	_ uint32

	// The physical address of the first byte in the region. It is always
	// aligned to a 4K boundary.
	PhysicalStart uint64

	// The virtual address assigned by SetVirtualAddressMap; unused.
	VirtualStart uint64

	// The number of 4K pages in the region.
	NumberOfPages uint64

	// Region capability attributes.
	Attribute uint64
}

// Length returns the region size in bytes.
func (d *MemoryDescriptor) Length() uint64 {
	return d.NumberOfPages * PageSize
}

// PixelFormat defines the pixel layout of the GOP framebuffer.
type PixelFormat uint32

const (
	// PixelRGB uses 8 bits per component in red, green, blue, reserved order.
	PixelRGB PixelFormat = iota

	// PixelBGR uses 8 bits per component in blue, green, red, reserved order.
	PixelBGR

	// PixelBitMask uses a custom component layout.
	PixelBitMask

	// PixelBltOnly indicates that no linear framebuffer is available.
	PixelBltOnly
)

// FramebufferInfo describes the linear framebuffer set up by the loader.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// The framebuffer size in bytes.
	Size uint64

	// Width and height in pixels.
	Width, Height uint32

	// Number of pixels per scan line.
	Stride uint32

	// The pixel layout.
	PixelFormat PixelFormat
}

// BootInfo is the block that the loader fills in before jumping to the
// kernel entry point. All addresses are physical and lie inside regions that
// remain identity-mapped.
type BootInfo struct {
	// Address of the first memory descriptor.
	MemoryMapAddr uint64

	// Total size of the memory map in bytes.
	MemoryMapSize uint64

	// Distance in bytes between two descriptors. Firmware may report a
	// descriptor size larger than unsafe.Sizeof(MemoryDescriptor{}) so
	// this value must always be used as the stride.
	DescriptorSize uint64

	// The descriptor format version.
	DescriptorVersion uint32

	_ uint32

	// The framebuffer description. A zero PhysAddr indicates that no
	// framebuffer is available.
	Framebuffer FramebufferInfo
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region reported by the firmware. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryDescriptor) bool

// SetBootInfoPtr updates the internal boot info pointer to the given value.
// This function must be invoked before invoking any other function exported
// by this package.
func SetBootInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions invokes the supplied visitor for each memory region in the
// firmware memory map. Regions with an unknown type are reported as
// MemReserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	if infoData == 0 {
		return
	}

	info := (*BootInfo)(unsafe.Pointer(infoData))
	if info.DescriptorSize < uint64(unsafe.Sizeof(MemoryDescriptor{})) {
		return
	}

	var (
		curPtr = uintptr(info.MemoryMapAddr)
		endPtr = curPtr + uintptr(info.MemoryMapSize)
		stride = uintptr(info.DescriptorSize)
		desc   *MemoryDescriptor
	)

	for ; curPtr+stride <= endPtr; curPtr += stride {
		desc = (*MemoryDescriptor)(unsafe.Pointer(curPtr))

		if desc.Type >= memTypeUnknown {
			desc.Type = MemReserved
		}

		if !visitor(desc) {
			return
		}
	}
}

// GetFramebufferInfo returns information about the framebuffer initialized
// by the loader or nil if no linear framebuffer is available.
func GetFramebufferInfo() *FramebufferInfo {
	if infoData == 0 {
		return nil
	}

	fb := &(*BootInfo)(unsafe.Pointer(infoData)).Framebuffer
	if fb.PhysAddr == 0 || fb.Size == 0 || fb.PixelFormat == PixelBltOnly {
		return nil
	}

	return fb
}
