package main

import (
	"errors"
	"fmt"
	"math/rand"
	"unsafe"

	"kitsuneos/efi"
	"kitsuneos/kernel"
	"kitsuneos/kernel/mm"
	"kitsuneos/kernel/mm/heap"
	"kitsuneos/kernel/mm/pmm"
	"kitsuneos/kernel/mm/vmm"
)

// framebufferAddr is the simulated physical address of the GOP framebuffer.
// It lies outside the simulated RAM like on real hardware.
const framebufferAddr = 0xc0000000

// machine simulates the state handed over by the UEFI loader: a block of RAM,
// a firmware memory map describing it and a boot info block pointing to both.
type machine struct {
	ram     []byte
	ramBase uintptr
	frames  uint64

	descriptors []efi.MemoryDescriptor
	bootInfo    efi.BootInfo

	// cr3 and tlbFlushes replace the privileged instructions used by the
	// mapper.
	cr3        uintptr
	tlbFlushes uint64

	// The MMU is not emulated so the heap is served from a host buffer
	// instead of the mapped heap window.
	heapMem  []uint64
	heapBase uintptr
}

// newMachine allocates ramMb of simulated RAM and fabricates a memory map for
// it. The seed controls the size of the boot services and reserved regions.
func newMachine(ramMb int, seed int64) (*machine, error) {
	if ramMb < 16 {
		return nil, errors.New("at least 16Mb of RAM are required")
	}

	m := &machine{
		frames: uint64(ramMb) << 20 >> mm.PageShift,
	}

	m.ram = make([]byte, uintptr(m.frames+1)<<mm.PageShift)
	m.ramBase = (uintptr(unsafe.Pointer(&m.ram[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)

	var (
		rng          = rand.New(rand.NewSource(seed))
		bootServices = uint64(64 + rng.Intn(192))
		hole         = uint64(16 + rng.Intn(48))
		acpi         = uint64(16)
		next         uint64
	)

	add := func(memType efi.MemoryType, pages uint64) {
		m.descriptors = append(m.descriptors, efi.MemoryDescriptor{
			Type:          memType,
			PhysicalStart: next << mm.PageShift,
			NumberOfPages: pages,
		})
		next += pages
	}

	add(efi.MemReserved, 1)
	add(efi.MemConventional, 159)
	add(efi.MemReserved, 96)
	add(efi.MemLoaderCode, 256)
	add(efi.MemLoaderData, 64)
	add(efi.MemBootServicesData, bootServices)
	add(efi.MemReserved, hole)
	add(efi.MemConventional, m.frames-next-acpi)
	add(efi.MemACPIReclaim, acpi)

	m.bootInfo = efi.BootInfo{
		MemoryMapAddr:     uint64(uintptr(unsafe.Pointer(&m.descriptors[0]))),
		MemoryMapSize:     uint64(len(m.descriptors)) * uint64(unsafe.Sizeof(efi.MemoryDescriptor{})),
		DescriptorSize:    uint64(unsafe.Sizeof(efi.MemoryDescriptor{})),
		DescriptorVersion: 1,
		Framebuffer: efi.FramebufferInfo{
			PhysAddr:    framebufferAddr,
			Size:        1024 * 768 * 4,
			Width:       1024,
			Height:      768,
			Stride:      1024,
			PixelFormat: efi.PixelBGR,
		},
	}

	m.heapMem = make([]uint64, heap.Size/8)
	m.heapBase = uintptr(unsafe.Pointer(&m.heapMem[0]))

	return m, nil
}

// boot runs the memory core boot sequence against the simulated machine.
func (m *machine) boot() error {
	mm.SetPhysicalMemoryOffset(m.ramBase)
	vmm.SetCPUHooks(
		func(uintptr) { m.tlbFlushes++ },
		func(addr uintptr) { m.cr3 = addr },
		func() uintptr { return m.cr3 },
	)
	efi.SetBootInfoPtr(uintptr(unsafe.Pointer(&m.bootInfo)))

	if err := pmm.Init(); err != nil {
		return wrapKernelErr("pmm init", err)
	}

	devices := []vmm.DeviceRegion{
		{Name: "framebuffer", PhysAddr: framebufferAddr, Size: uintptr(m.bootInfo.Framebuffer.Size)},
		{Name: "local APIC", PhysAddr: vmm.LocalAPICBase, Size: mm.PageSize},
		{Name: "I/O APIC", PhysAddr: vmm.IOAPICBase, Size: mm.PageSize},
	}

	as, err := vmm.BuildAddressSpace(devices)
	if err != nil {
		return wrapKernelErr("build address space", err)
	}
	as.Activate()

	if err = vmm.MapHeap(heap.Start, heap.Size); err != nil {
		return wrapKernelErr("map heap", err)
	}

	if err = heap.Init(m.heapBase, heap.Size); err != nil {
		return wrapKernelErr("heap init", err)
	}

	return nil
}

// regionAt returns the memory map descriptor that covers the frame.
func (m *machine) regionAt(frame mm.Frame) *efi.MemoryDescriptor {
	for i := range m.descriptors {
		start := mm.FrameFromAddress(uintptr(m.descriptors[i].PhysicalStart))
		if frame >= start && uint64(frame-start) < m.descriptors[i].NumberOfPages {
			return &m.descriptors[i]
		}
	}
	return nil
}

// heapAddr converts a heap window address into the host buffer address that
// backs it and vice versa.
func (m *machine) heapAddr(hostAddr uintptr) uintptr {
	return hostAddr - m.heapBase + heap.Start
}

func (m *machine) hostAddr(heapAddr uintptr) uintptr {
	return heapAddr - heap.Start + m.heapBase
}

func wrapKernelErr(step string, err *kernel.Error) error {
	return fmt.Errorf("%s: [%s] %s", step, err.Module, err.Message)
}
