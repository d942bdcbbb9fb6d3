package mm

// physMemOffset is the offset at which physical memory is visible to the
// kernel. The firmware hands over control with all RAM identity-mapped and
// the kernel address space preserves that mapping for every region in the
// memory map, so the offset is zero on real hardware. Host-side tests and
// the simulator point it at a page-aligned buffer that stands in for RAM.
var physMemOffset uintptr

// SetPhysicalMemoryOffset sets the offset that PhysToVirt adds to physical
// addresses.
func SetPhysicalMemoryOffset(offset uintptr) {
	physMemOffset = offset
}

// PhysToVirt returns an address through which the kernel can access the
// contents of the supplied physical address.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physMemOffset
}
