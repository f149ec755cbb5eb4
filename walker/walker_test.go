package walker

import (
	"testing"
	"unsafe"

	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

// fakeFormat is a minimal two-level, 4-entries-per-table format used only
// to exercise Walk's descent and range-narrowing logic: level 1 is the
// root (4 entries, each spanning 64 bytes), level 0 is a leaf table (4
// entries, each spanning 16 bytes).
type fakeFormat struct{}

var _ ptfmt.Format = fakeFormat{}

func (fakeFormat) MaxTopLevel() int    { return 1 }
func (fakeFormat) GranuleLg2Sz() uint  { return 4 }
func (fakeFormat) TableMemLg2Sz() uint { return 6 }
func (fakeFormat) EntryWordSize() uint { return 8 }
func (fakeFormat) MaxVALg2() uint      { return 8 }
func (fakeFormat) MaxOALg2() uint      { return 8 }

func (fakeFormat) NumItemsLg2(level int) uint { return 2 }

func (fakeFormat) TableItemLg2Sz(level int) uint {
	if level == 1 {
		return 6
	}
	return 4
}

func (fakeFormat) CanHaveLeaf(level int) bool { return true }

func (f fakeFormat) PossibleSizes(level int) ptfmt.SizeSet {
	var s ptfmt.SizeSet
	return s.With(f.TableItemLg2Sz(level))
}

func (fakeFormat) EntryNumContigLg2(state *ptfmt.State) uint { return 0 }

const fakeWordLen = 8

func (f fakeFormat) addr(state *ptfmt.State) uintptr {
	return state.EntryAddr(fakeWordLen)
}

// bit 0: present. bit 1: is-table. bits [2:63]: OA or child addr.
func (f fakeFormat) LoadEntryRaw(state *ptfmt.State) ptfmt.EntryKind {
	word := loadWord(f.addr(state))
	state.Entry = ptfmt.Descriptor(word)
	if word&1 == 0 {
		state.Kind = ptfmt.Empty
		return ptfmt.Empty
	}
	if word&2 != 0 {
		state.Kind = ptfmt.Table
		state.Child = uintptr(word >> 2)
		return ptfmt.Table
	}
	state.Kind = ptfmt.OA
	return ptfmt.OA
}

func (f fakeFormat) InstallLeafEntry(state *ptfmt.State, oa uint64, lg2sz uint, attrs ptfmt.Attrs) {
	word := uint64(1) | (oa << 2)
	storeWord(f.addr(state), word)
	state.Entry = ptfmt.Descriptor(word)
	state.Kind = ptfmt.OA
}

func (f fakeFormat) InstallTable(state *ptfmt.State, tablePA uintptr, attrs ptfmt.Attrs) bool {
	word := uint64(1) | 2 | (uint64(tablePA) << 2)
	storeWord(f.addr(state), word)
	state.Entry = ptfmt.Descriptor(word)
	state.Kind = ptfmt.Table
	state.Child = tablePA
	return true
}

func (f fakeFormat) ClearEntry(state *ptfmt.State, n uint) {
	for i := uint(0); i < n; i++ {
		storeWord(state.Table+uintptr(state.Index+i)*fakeWordLen, 0)
	}
	state.Entry = 0
	state.Kind = ptfmt.Empty
}

func (f fakeFormat) TablePA(state *ptfmt.State) uintptr { return uintptr(uint64(state.Entry) >> 2) }
func (f fakeFormat) EntryOA(state *ptfmt.State) uint64  { return uint64(state.Entry) >> 2 }
func (f fakeFormat) TablePtr(state *ptfmt.State) uintptr { return state.Child }

func (f fakeFormat) AttrFromEntry(state *ptfmt.State) ptfmt.Attrs { return ptfmt.Attrs{} }
func (f fakeFormat) IommuSetProt(prot ptfmt.Prot) ptfmt.Attrs     { return ptfmt.Attrs{Prot: prot} }

func (f fakeFormat) EntryWriteIsDirty(state *ptfmt.State) bool { return false }
func (f fakeFormat) EntrySetWriteClean(state *ptfmt.State)     {}
func (f fakeFormat) EntryMakeWriteDirty(state *ptfmt.State)    {}

func (f fakeFormat) FullVAPrefix() log2.FullVAPrefix { return log2.PrefixZero }
func (f fakeFormat) SupportedFeatures() ptfmt.Feature { return 0 }

func loadWord(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

func storeWord(addr uintptr, val uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = val
}

func tableBase(t *testing.T, buf []byte) uintptr {
	t.Helper()
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestIndexAndLastIndex(t *testing.T) {
	f := fakeFormat{}

	if got := Index(f, 1, 0x40); got != 1 {
		t.Fatalf("Index(level1, 0x40) = %d, want 1", got)
	}
	if got := Index(f, 0, 0x14); got != 1 {
		t.Fatalf("Index(level0, 0x14) = %d, want 1", got)
	}

	if got := LastIndex(f, 1, 0, 0xbf); got != 2 {
		t.Fatalf("LastIndex = %d, want 2", got)
	}
	// end beyond the table's own span clamps to the last index (3).
	if got := LastIndex(f, 1, 0, 0xffff); got != 3 {
		t.Fatalf("LastIndex clamp = %d, want 3", got)
	}
}

func TestWalkDescendsIntoChildTable(t *testing.T) {
	f := fakeFormat{}

	root := make([]byte, 4*fakeWordLen)
	leaf := make([]byte, 4*fakeWordLen)

	rootAddr := tableBase(t, root)
	leafAddr := tableBase(t, leaf)

	rootState := &ptfmt.State{Table: rootAddr, Level: 1, Index: 0}
	f.InstallTable(rootState, leafAddr, ptfmt.Attrs{})

	leafState := &ptfmt.State{Table: leafAddr, Level: 0, Index: 2}
	f.InstallLeafEntry(leafState, 0x90, 4, ptfmt.Attrs{})

	var visitedOA []uint64
	err := Walk(f, rootAddr, 1, 0, 0, 0x3f, func(state *ptfmt.State) (Action, error) {
		if state.Kind == ptfmt.OA {
			visitedOA = append(visitedOA, state.VA)
		}
		return Descend, nil
	})
	if err != nil {
		t.Fatalf("Walk returned error: %v", err)
	}

	want := uint64(0x20) // index 2 at level 0 (16 bytes/entry)
	if len(visitedOA) != 1 || visitedOA[0] != want {
		t.Fatalf("visitedOA = %#v, want [%#x]", visitedOA, want)
	}
}

func TestWalkStopsEarly(t *testing.T) {
	f := fakeFormat{}
	root := make([]byte, 4*fakeWordLen)
	rootAddr := tableBase(t, root)

	for i := uint(0); i < 4; i++ {
		s := &ptfmt.State{Table: rootAddr, Level: 1, Index: i}
		f.InstallLeafEntry(s, uint64(i)*0x40, 6, ptfmt.Attrs{})
	}

	count := 0
	err := Walk(f, rootAddr, 1, 0, 0, 0xff, func(state *ptfmt.State) (Action, error) {
		count++
		if count == 2 {
			return Stop, nil
		}
		return SkipChild, nil
	})
	if err != nil {
		t.Fatalf("Walk returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestBestLeafSize(t *testing.T) {
	f := fakeFormat{}

	lg2, ok := BestLeafSize(f, 0, 0x20, 0x1000, 0x40)
	if !ok || lg2 != f.TableItemLg2Sz(0) {
		t.Fatalf("BestLeafSize = (%d, %v), want (%d, true)", lg2, ok, f.TableItemLg2Sz(0))
	}

	if _, ok := BestLeafSize(f, 0, 0, 0, 0); ok {
		t.Fatalf("BestLeafSize with remaining=0 should report false")
	}
}
