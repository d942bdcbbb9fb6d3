package kmain

import (
	"kitsuneos/efi"
	"kitsuneos/kernel"
	"kitsuneos/kernel/kfmt"
	"kitsuneos/kernel/mm"
	"kitsuneos/kernel/mm/heap"
	"kitsuneos/kernel/mm/pmm"
	"kitsuneos/kernel/mm/vmm"
	"kitsuneos/kernel/sync"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	pmmInitFn           = pmm.Init
	buildAddressSpaceFn = vmm.BuildAddressSpace
	activateFn          = vmm.AddressSpace.Activate
	mapHeapFn           = vmm.MapHeap
	heapInitFn          = heap.Init
	enableIRQMaskingFn  = sync.EnableIRQMasking
	panicFn             = kfmt.Panic

	// devices is statically allocated as the Go allocator is not
	// available while the memory core boots.
	devices [3]vmm.DeviceRegion
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the boot info block
// that the UEFI loader populated before exiting boot services.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	efi.SetBootInfoPtr(bootInfoPtr)

	if err := initMemory(); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// initMemory brings up the physical frame allocator, the kernel address
// space and the kernel heap in that order.
func initMemory() *kernel.Error {
	if err := pmmInitFn(); err != nil {
		return err
	}

	as, err := buildAddressSpaceFn(deviceRegions())
	if err != nil {
		return err
	}
	activateFn(as)

	if err = mapHeapFn(heap.Start, heap.Size); err != nil {
		return err
	} else if err = heapInitFn(heap.Start, heap.Size); err != nil {
		return err
	}

	enableIRQMaskingFn()

	total, used := pmm.Stats()
	kfmt.Printf("[kmain] memory core ready: %d/%d frames in use, %dKb heap available\n", used, total, uint64(heap.FreeBytes()>>10))
	return nil
}

// deviceRegions returns the MMIO regions that must be reachable once the
// kernel address space is active.
func deviceRegions() []vmm.DeviceRegion {
	count := 0
	if fb := efi.GetFramebufferInfo(); fb != nil {
		devices[count] = vmm.DeviceRegion{Name: "framebuffer", PhysAddr: uintptr(fb.PhysAddr), Size: uintptr(fb.Size)}
		count++
	}

	devices[count] = vmm.DeviceRegion{Name: "local APIC", PhysAddr: vmm.LocalAPICBase, Size: mm.PageSize}
	devices[count+1] = vmm.DeviceRegion{Name: "I/O APIC", PhysAddr: vmm.IOAPICBase, Size: mm.PageSize}
	return devices[:count+2]
}
