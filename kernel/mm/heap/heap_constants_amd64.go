package heap

const (
	// Start is the virtual address where the kernel heap begins.
	Start = uintptr(0x4444_4444_0000)

	// Size is the size of the kernel heap in bytes.
	Size = uintptr(4 << 20)
)
