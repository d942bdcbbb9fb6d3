package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"kitsuneos/kernel/mm"
	"kitsuneos/kernel/mm/heap"
	"kitsuneos/kernel/mm/pmm"
	"kitsuneos/kernel/mm/vmm"
)

const helpText = `commands:
  alloc <size> [align]   allocate from the kernel heap
  free <addr> <size>     release a heap allocation
  frame                  allocate a physical frame
  frames                 print frame allocator statistics
  heap                   print the heap free list
  translate <addr>       translate a virtual address using the active page tables
  unmap <addr>           remove the mapping of the page containing addr
  stage                  print the address space build stage
  png <path>             render the frame bitmap to a PNG file
  quit                   exit the simulator
`

var errQuit = errors.New("quit")

// session executes simulator commands against a booted machine.
type session struct {
	m   *machine
	out io.Writer

	// allocations maps heap window addresses to allocation sizes. Frees
	// are validated against it as an invalid free halts the kernel.
	allocations map[uintptr]uintptr
}

func newSession(m *machine, out io.Writer) *session {
	return &session{
		m:           m,
		out:         out,
		allocations: make(map[uintptr]uintptr),
	}
}

func parseUint(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uintptr(v), nil
}

// exec runs a single command line. It returns errQuit when the session
// should end.
func (s *session) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "alloc":
		return s.alloc(args)
	case "free":
		return s.free(args)
	case "frame":
		frame, err := mm.AllocFrame()
		if err != nil {
			return wrapKernelErr("frame", err)
		}
		fmt.Fprintf(s.out, "frame %d at 0x%x\n", frame, frame.Address())
	case "frames":
		total, used := pmm.Stats()
		fmt.Fprintf(s.out, "frames: %d total, %d used, %d free (%d Kb free)\n", total, used, total-used, (total-used)*4)
	case "heap":
		s.printHeap()
	case "translate":
		if len(args) != 1 {
			return errors.New("usage: translate <addr>")
		}
		virtAddr, err := parseUint(args[0])
		if err != nil {
			return err
		}

		physAddr, kErr := vmm.ActiveAddressSpace().Translate(virtAddr)
		if kErr != nil {
			return wrapKernelErr("translate", kErr)
		}
		fmt.Fprintf(s.out, "0x%x -> 0x%x\n", virtAddr, physAddr)
	case "unmap":
		if len(args) != 1 {
			return errors.New("usage: unmap <addr>")
		}
		virtAddr, err := parseUint(args[0])
		if err != nil {
			return err
		}

		page := mm.PageFromAddress(virtAddr)
		if kErr := vmm.ActiveAddressSpace().Unmap(page); kErr != nil {
			return wrapKernelErr("unmap", kErr)
		}
		fmt.Fprintf(s.out, "unmapped page 0x%x\n", page.Address())
	case "stage":
		fmt.Fprintf(s.out, "address space stage: %s\n", vmm.CurrentStage())
	case "png":
		if len(args) != 1 {
			return errors.New("usage: png <path>")
		}
		return s.writePNG(args[0])
	case "help":
		fmt.Fprint(s.out, helpText)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q; type help for a list of commands", cmd)
	}

	return nil
}

func (s *session) alloc(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: alloc <size> [align]")
	}

	size, err := parseUint(args[0])
	if err != nil {
		return err
	}

	align := uintptr(8)
	if len(args) == 2 {
		if align, err = parseUint(args[1]); err != nil {
			return err
		}
	}

	// The kernel heap treats a bad alignment as fatal
	if align == 0 || align&(align-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", align)
	}

	hostAddr, kErr := heap.Alloc(size, align)
	if kErr != nil {
		return wrapKernelErr("alloc", kErr)
	}

	addr := s.m.heapAddr(hostAddr)
	s.allocations[addr] = size
	fmt.Fprintf(s.out, "allocated %d bytes at 0x%x\n", size, addr)
	return nil
}

func (s *session) free(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: free <addr> <size>")
	}

	addr, err := parseUint(args[0])
	if err != nil {
		return err
	}

	size, err := parseUint(args[1])
	if err != nil {
		return err
	}

	if allocSize, ok := s.allocations[addr]; !ok || allocSize != size {
		return fmt.Errorf("no allocation of %d bytes at 0x%x", size, addr)
	}

	heap.Free(s.m.hostAddr(addr), size)
	delete(s.allocations, addr)
	fmt.Fprintf(s.out, "released %d bytes at 0x%x\n", size, addr)
	return nil
}

func (s *session) printHeap() {
	type region struct{ start, size uintptr }

	var regions []region
	heap.VisitFreeRegions(func(start, size uintptr) bool {
		regions = append(regions, region{start, size})
		return true
	})

	fmt.Fprintf(s.out, "heap: %d bytes free in %d regions, %d live allocations\n", heap.FreeBytes(), len(regions), len(s.allocations))
	for _, r := range regions {
		start := s.m.heapAddr(r.start)
		fmt.Fprintf(s.out, "  [0x%x - 0x%x] %d bytes\n", start, start+r.size, r.size)
	}

	addrs := make([]uintptr, 0, len(s.allocations))
	for addr := range s.allocations {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		fmt.Fprintf(s.out, "  live 0x%x %d bytes\n", addr, s.allocations[addr])
	}
}

func (s *session) writePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err = writeFrameMap(f, s.m.frames, s.m.frameState(pmm.FrameUsed)); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "wrote frame map to %s\n", path)
	return nil
}
