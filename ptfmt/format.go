package ptfmt

import "github.com/gptcore/iommupt/log2"

// Format is the per-format contract (spec.md §4.3). The walker, and the
// map/unmap/cut engine on top of it, are generic over Format; a concrete
// format package (ptfmt/amdv1, ptfmt/armv8, ...) supplies one value
// satisfying this interface per table instance.
type Format interface {
	// MaxTopLevel is the deepest root index this format supports.
	MaxTopLevel() int
	// GranuleLg2Sz is the size of a leaf at level 0.
	GranuleLg2Sz() uint
	// TableMemLg2Sz is the table-page size.
	TableMemLg2Sz() uint
	// EntryWordSize is 4 or 8 bytes.
	EntryWordSize() uint
	// MaxVALg2 and MaxOALg2 are format-wide caps.
	MaxVALg2() uint
	MaxOALg2() uint

	// NumItemsLg2 is the log2 entry count of a table at level.
	NumItemsLg2(level int) uint
	// TableItemLg2Sz is the VA/OA footprint of one item at level.
	TableItemLg2Sz(level int) uint
	// CanHaveLeaf reports whether level may hold an OA leaf.
	CanHaveLeaf(level int) bool
	// PossibleSizes is the bitmap of representable leaf sizes at level,
	// including contiguous sizes.
	PossibleSizes(level int) SizeSet
	// EntryNumContigLg2 is the log2 of the number of contiguous items
	// the entry at state spans (0 for a singleton entry).
	EntryNumContigLg2(state *State) uint

	// LoadEntryRaw reads the descriptor at state's index with acquire
	// semantics, populating state.Entry/Kind/Child, and returns Kind.
	LoadEntryRaw(state *State) EntryKind
	// InstallLeafEntry writes a leaf (possibly contiguous) at state.
	InstallLeafEntry(state *State, oa uint64, lg2sz uint, attrs Attrs)
	// InstallTable CAS-publishes a new child table pointer. Returns
	// false if the previous value changed since LoadEntryRaw (lost
	// race); the caller retries from the current entry.
	InstallTable(state *State, tablePA uintptr, attrs Attrs) bool
	// ClearEntry atomically empties n contiguous items starting at
	// state's index.
	ClearEntry(state *State, n uint)

	// TablePA, EntryOA and TablePtr extract address fields from state.
	TablePA(state *State) uintptr
	EntryOA(state *State) uint64
	TablePtr(state *State) uintptr

	// AttrFromEntry decodes the attribute bundle of the entry at state.
	AttrFromEntry(state *State) Attrs
	// IommuSetProt round-trips a caller Prot request into a format
	// attribute bundle.
	IommuSetProt(prot Prot) Attrs

	// Dirty-bit operations. No-ops for formats with no HW dirty
	// tracking.
	EntryWriteIsDirty(state *State) bool
	EntrySetWriteClean(state *State)
	EntryMakeWriteDirty(state *State)

	// FullVAPrefix is PrefixZero (low-half table) or PrefixOnes
	// (high-half table).
	FullVAPrefix() log2.FullVAPrefix

	// SupportedFeatures reports the format-supported feature bits; Common's
	// Features must be a subset of this.
	SupportedFeatures() Feature
}
