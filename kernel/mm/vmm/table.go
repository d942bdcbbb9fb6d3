package vmm

import (
	"kitsuneos/kernel"
	"kitsuneos/kernel/mm"
	"unsafe"
)

// pageTable is a single level of the paging hierarchy. Each table occupies
// exactly one physical frame.
type pageTable [1 << 9]pageTableEntry

// tableAt returns the page table stored in the supplied physical frame.
func tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(mm.PhysToVirt(frame.Address())))
}

// allocTable reserves a physical frame for a page table and clears it.
func allocTable() (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
	return frame, nil
}

// entryIndex returns the index of the entry that maps virtAddr in a table at
// the given page level.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// nextTable returns the table referenced by the entry at index. If the entry
// is not present, a cleared table is allocated and linked in with
// FlagPresent|FlagRW. An entry that maps a huge page cannot be descended
// into and yields ErrParentEntryHugePage.
func (t *pageTable) nextTable(index uintptr) (*pageTable, *kernel.Error) {
	pte := &t[index]

	if pte.HasFlags(FlagPresent | FlagHugePage) {
		return nil, ErrParentEntryHugePage
	}

	if !pte.HasFlags(FlagPresent) {
		frame, err := allocTable()
		if err != nil {
			return nil, err
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | FlagRW)
	}

	return tableAt(pte.Frame()), nil
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in root. It calls the suppplied walkFn with the page table
// entry that corresponds to each page table level. The walk stops when walkFn
// returns false or when it reaches an entry that is not present.
func walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	table := tableAt(root)
	for level := uint8(0); level < pageLevels; level++ {
		pte := &table[entryIndex(virtAddr, level)]
		if !walkFn(level, pte) || !pte.HasFlags(FlagPresent) || level == pageLevels-1 {
			return
		}

		table = tableAt(pte.Frame())
	}
}

// countMapped returns the number of present leaf entries reachable from the
// supplied table. Huge page entries count as a single leaf.
func countMapped(table *pageTable, level uint8) uint64 {
	var count uint64
	for index := range table {
		pte := table[index]
		switch {
		case !pte.HasFlags(FlagPresent):
		case level == pageLevels-1 || pte.HasFlags(FlagHugePage):
			count++
		default:
			count += countMapped(tableAt(pte.Frame()), level+1)
		}
	}

	return count
}
