package vmm

import (
	"kitsuneos/kernel"
	"kitsuneos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrPageAlreadyMapped is returned by Map when the page already has a
	// present mapping.
	ErrPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page already mapped"}

	// ErrParentEntryHugePage is returned when a table entry on the path to
	// the page maps a huge page.
	ErrParentEntryHugePage = &kernel.Error{Module: "vmm", Message: "parent entry maps a huge page"}
)

// AddressSpace describes a page table hierarchy. The physical address of its
// root table is the value loaded into CR3 when the address space is
// activated.
type AddressSpace struct {
	root mm.Frame
}

// NewAddressSpace allocates and clears a root table for a new, empty address
// space.
func NewAddressSpace() (AddressSpace, *kernel.Error) {
	root, err := allocTable()
	if err != nil {
		return AddressSpace{root: mm.InvalidFrame}, err
	}

	return AddressSpace{root: root}, nil
}

// ActiveAddressSpace returns the address space whose root table is loaded
// in CR3.
func ActiveAddressSpace() AddressSpace {
	return AddressSpace{root: mm.Frame((activePDTFn() & ptePhysPageMask) >> mm.PageShift)}
}

// Root returns the frame that holds the root table.
func (as AddressSpace) Root() mm.Frame {
	return as.root
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated using mm.AllocFrame,
// cleared and linked with FlagPresent|FlagRW. The TLB entry for the page is
// flushed once the mapping is in place.
//
// Map returns ErrPageAlreadyMapped if the page already has a present mapping
// and ErrParentEntryHugePage if a huge page covers it.
func (as AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		virtAddr = page.Address()
		table    = tableAt(as.root)
		err      *kernel.Error
	)

	for level := uint8(0); level < pageLevels-1; level++ {
		if table, err = table.nextTable(entryIndex(virtAddr, level)); err != nil {
			return err
		}
	}

	pte := &table[entryIndex(virtAddr, pageLevels-1)]
	if pte.HasFlags(FlagPresent) {
		return ErrPageAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	flushTLBEntryFn(virtAddr)

	return nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (as AddressSpace) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(as.root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(FlagPresent):
			err = ErrInvalidMapping
			return false
		case pteLevel == pageLevels-1:
			// If we reached the last level all we need to do is to set the
			// page as non-present and flush its TLB entry
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		case pte.HasFlags(FlagHugePage):
			err = ErrParentEntryHugePage
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			// Append the offset within the page (or huge page) to the
			// frame address
			physAddr = pte.Frame().Address() + (virtAddr & ((1 << pageLevelShifts[pteLevel]) - 1))
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// MappedPages returns the number of present leaf entries in the address
// space.
func (as AddressSpace) MappedPages() uint64 {
	return countMapped(tableAt(as.root), 0)
}

// Activate loads the root table into CR3 which also flushes the TLB. If this
// is the address space created by BuildAddressSpace, the boot sequence
// advances to StageActive.
func (as AddressSpace) Activate() {
	switchPDTFn(as.root.Address())

	if stage == StageDevicesMapped && as.root == kernelAddrSpace.root {
		stage = StageActive
	}
}
