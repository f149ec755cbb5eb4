package ptfmt

// State is the ephemeral, stack-allocated walker position spec.md §3
// describes: current table pointer, level, index window, and the last
// descriptor loaded from that index.
type State struct {
	// Table is the base address of the table page this state currently
	// points into.
	Table uintptr
	// Level is the generic level number: 0 is always the smallest
	// (leaf) level, increasing towards the root, regardless of a
	// format's native numbering.
	Level int
	// Index is the current entry index within Table.
	Index uint
	// End is the last valid index (inclusive) for the walk at this
	// level, derived from the range's last VA.
	End uint

	// VA is the virtual address whose decode produced Index.
	VA uint64

	// Entry is the descriptor word last loaded by LoadEntryRaw.
	Entry Descriptor
	// Kind classifies Entry.
	Kind EntryKind
	// Child is the decoded child table address, valid when Kind==Table.
	Child uintptr
}

// EntryAddr returns the address of the descriptor word at Index, given the
// format's entry word size in bytes.
func (s *State) EntryAddr(entryWordSize uint) uintptr {
	return s.Table + uintptr(s.Index)*uintptr(entryWordSize)
}
