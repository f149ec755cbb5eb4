package ptmap_test

import (
	"testing"

	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/ptfmt/amdv1"
	"github.com/gptcore/iommupt/ptfmt/armv8"
	"github.com/gptcore/iommupt/ptmap"
	"github.com/gptcore/iommupt/ptpage"
	"github.com/gptcore/iommupt/walker"
)

// newEngine builds a fresh Engine over f, with rootLevel initially
// published and a large enough arena to absorb whatever intermediate
// tables the test's MapRange calls need.
func newEngine(t *testing.T, f ptfmt.Format, rootLevel int, arenaSize int) *ptmap.Engine {
	t.Helper()

	pool := &ptpage.Pool[ptmap.TableOwner]{}
	pool.Init(make([]byte, arenaSize))

	root, err := pool.Alloc(ptmap.TableOwner{Level: rootLevel}, f.TableMemLg2Sz())
	if err != nil {
		t.Fatalf("allocating root table: %v", err)
	}

	return ptmap.NewEngine(f, pool, ptpage.NoopDMAMapper{}, root.Addr, rootLevel)
}

// TestRoundTripAMDv1_2MiB exercises spec.md §8 scenario 1: a single 2 MiB
// mapping must translate correctly at every byte offset within it.
func TestRoundTripAMDv1_2MiB(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 0, 1<<20)

	const iova, pa, size = 0x200000, 0x800000, 0x200000

	if err := e.MapRange(iova, pa, size, ptfmt.ProtRead|ptfmt.ProtWrite); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := e.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	for _, delta := range []uint64{0, 1, 0xFFF, 0x1000, size - 1} {
		got, err := e.IovaToPhys(iova + delta)
		if err != nil {
			t.Fatalf("IovaToPhys(%#x): %v", iova+delta, err)
		}
		if want := pa + delta; got != want {
			t.Errorf("IovaToPhys(%#x) = %#x, want %#x", iova+delta, got, want)
		}
	}
}

// TestMapUnmapAMDv1_4K exercises spec.md §8 scenario 2: a single 4 KiB
// mapping, once unmapped, is no longer translatable and reports its own
// size as the unmapped byte count.
func TestMapUnmapAMDv1_4K(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 0, 1<<16)

	if err := e.MapRange(0, 0, 0x1000, ptfmt.ProtRead|ptfmt.ProtWrite); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if _, err := e.IovaToPhys(0); err != nil {
		t.Fatalf("IovaToPhys before unmap: %v", err)
	}

	unmapped, err := e.UnmapRange(0, 0x1000)
	if err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if unmapped != 0x1000 {
		t.Errorf("unmapped = %#x, want %#x", unmapped, 0x1000)
	}

	if _, err := e.IovaToPhys(0); err != ptmap.ErrTranslationMissing {
		t.Errorf("IovaToPhys after unmap = %v, want ErrTranslationMissing", err)
	}
}

// TestUnmapEmptyTree exercises spec.md §8 scenario 6: unmapping a range
// that was never mapped succeeds and reports zero bytes unmapped.
func TestUnmapEmptyTree(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 0, 1<<16)

	unmapped, err := e.UnmapRange(0, 0x1000)
	if err != nil {
		t.Fatalf("UnmapRange on empty tree: %v", err)
	}
	if unmapped != 0 {
		t.Errorf("unmapped = %#x, want 0", unmapped)
	}
}

// TestUnmapSplitsLargeLeaf exercises spec.md §8's
// Unmap-splits-large-pages property: unmapping only the first small page
// of a larger leaf still clears (and reports) the whole leaf.
func TestUnmapSplitsLargeLeaf(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 0, 1<<20)

	const iova, pa, size = 0x200000, 0x800000, 0x200000 // 2 MiB leaf
	if err := e.MapRange(iova, pa, size, ptfmt.ProtRead); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	unmapped, err := e.UnmapRange(iova, 0x1000) // unmap only the first 4K
	if err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if unmapped != size {
		t.Errorf("unmapped = %#x, want full leaf size %#x", unmapped, size)
	}

	if _, err := e.IovaToPhys(iova + size - 1); err != ptmap.ErrTranslationMissing {
		t.Errorf("IovaToPhys at leaf tail after unmap = %v, want ErrTranslationMissing", err)
	}
}

// dirtyRecorder implements ptmap.DirtyBitmap by recording every Mark call.
type dirtyRecorder struct {
	marks []struct{ iova, size uint64 }
}

func (d *dirtyRecorder) Mark(iova, size uint64) {
	d.marks = append(d.marks, struct{ iova, size uint64 }{iova, size})
}

// TestContiguousARMv8Dirty exercises spec.md §8 scenario 3: a 64 KiB
// mapping on a 4K-granule ARMv8 format starting at 0x1000 is only 4 KiB
// aligned, so it installs as 16 singleton 4 KiB leaves without the CONTIG
// bit, and reading dirty state before any HW write reports zero dirty runs.
func TestContiguousARMv8Dirty(t *testing.T) {
	f := &armv8.Format{}
	e := newEngine(t, f, 0, 1<<20)

	const iova, pa, size = 0x1000, 0x1000, 0x10000 // 64 KiB, 16x4K
	if err := e.MapRange(iova, pa, size, ptfmt.ProtRead|ptfmt.ProtWrite|ptfmt.ProtCache); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := e.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	got, err := e.IovaToPhys(iova + 0x123)
	if err != nil {
		t.Fatalf("IovaToPhys: %v", err)
	}
	if want := pa + 0x123; got != want {
		t.Errorf("IovaToPhys = %#x, want %#x", got, want)
	}

	rec := &dirtyRecorder{}
	if err := e.ReadAndClearDirty(iova, size, 0, rec); err != nil {
		t.Fatalf("ReadAndClearDirty: %v", err)
	}
	if len(rec.marks) != 0 {
		t.Errorf("got %d dirty runs with no prior writes, want 0", len(rec.marks))
	}
}

// TestContiguousARMv8RunAligned exercises spec.md §8 scenario 3 for real: a
// 64 KiB mapping aligned to 64 KiB on a 4K-granule ARMv8 format installs as
// 16 contiguous leaves, each one individually present (not just the first),
// with the CONTIG bit set and every byte offset translating correctly.
func TestContiguousARMv8RunAligned(t *testing.T) {
	f := &armv8.Format{}
	e := newEngine(t, f, 0, 1<<20)

	const iova, pa, size = 0x10000, 0x30000, 0x10000 // 64 KiB, 64K-aligned
	if err := e.MapRange(iova, pa, size, ptfmt.ProtRead|ptfmt.ProtWrite); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := e.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	for _, delta := range []uint64{0, 1, 0xFFF, 0x8001, size - 1} {
		got, err := e.IovaToPhys(iova + delta)
		if err != nil {
			t.Fatalf("IovaToPhys(%#x): %v", iova+delta, err)
		}
		if want := pa + delta; got != want {
			t.Errorf("IovaToPhys(%#x) = %#x, want %#x", iova+delta, got, want)
		}
	}

	top, level := e.Top.Load()
	for i := uint(0); i < 16; i++ {
		idx := walker.Index(f, level, iova) + i
		state := &ptfmt.State{Table: top, Level: level, Index: idx}
		if kind := f.LoadEntryRaw(state); kind != ptfmt.OA {
			t.Fatalf("entry %d kind = %v, want OA (leaf %d was never written)", i, kind, i)
		}
		if contig := f.EntryNumContigLg2(state); contig != 4 {
			t.Errorf("entry %d EntryNumContigLg2 = %d, want 4 (16-entry contiguous group)", i, contig)
		}
	}
}

// TestDynamicTopGrowth exercises spec.md §8's Dynamic-top property: mapping
// at the very top of the VA space from a shallow root triggers growth, the
// post-state top level strictly exceeds the pre-state value, and mappings
// made before the growth remain resolvable afterward.
func TestDynamicTopGrowth(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 2, 1<<20)

	if err := e.MapRange(0, 0x3000, 0x1000, ptfmt.ProtRead|ptfmt.ProtWrite); err != nil {
		t.Fatalf("MapRange (low): %v", err)
	}

	_, preLevel := e.Top.Load()

	const highVA = 0xFF_FFFF_F000
	if err := e.MapRange(highVA, 0, 0x1000, ptfmt.ProtRead|ptfmt.ProtWrite); err != nil {
		t.Fatalf("MapRange (high): %v", err)
	}

	_, postLevel := e.Top.Load()
	if postLevel <= preLevel {
		t.Errorf("top level after growth = %d, want > %d", postLevel, preLevel)
	}

	if got, err := e.IovaToPhys(highVA); err != nil || got != 0 {
		t.Errorf("IovaToPhys(highVA) = (%#x, %v), want (0, nil)", got, err)
	}
	if got, err := e.IovaToPhys(0); err != nil || got != 0x3000 {
		t.Errorf("IovaToPhys(0) after growth = (%#x, %v), want (0x3000, nil)", got, err)
	}
}

// TestDeinitNoLeak exercises spec.md §8's No-leak property: after Deinit,
// zero table pages remain allocated.
func TestDeinitNoLeak(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 0, 1<<20)

	if err := e.MapRange(0, 0, 0x1000, ptfmt.ProtRead); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := e.MapRange(0x200000, 0x800000, 0x200000, ptfmt.ProtRead); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	if err := e.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}

	if got := e.Pool.Outstanding(); got != 0 {
		t.Errorf("Pool.Outstanding() after Deinit = %d, want 0", got)
	}
}

// TestMapRangeInUse exercises the in-use error: mapping over an existing
// mapping must fail rather than silently overwrite it.
func TestMapRangeInUse(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 0, 1<<16)

	if err := e.MapRange(0, 0, 0x1000, ptfmt.ProtRead); err != nil {
		t.Fatalf("first MapRange: %v", err)
	}
	if err := e.MapRange(0, 0x1000, 0x1000, ptfmt.ProtRead); err != ptmap.ErrInUse {
		t.Errorf("second MapRange = %v, want ErrInUse", err)
	}
}

// TestConcurrentPublish exercises spec.md §8's Concurrent-publish property:
// two goroutines mapping disjoint sub-ranges of the same parent entry must
// both succeed and produce exactly the expected descriptors.
func TestConcurrentPublish(t *testing.T) {
	f := &amdv1.Format{}
	e := newEngine(t, f, 1, 1<<20)

	const base = 0x400000 // one level-1 (2 MiB) entry's worth of level-0 children
	done := make(chan error, 2)

	go func() {
		done <- e.MapRange(base, 0x1000_0000, 0x1000, ptfmt.ProtRead)
	}()
	go func() {
		done <- e.MapRange(base+0x1000, 0x2000_0000, 0x1000, ptfmt.ProtRead)
	}()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent MapRange: %v", err)
		}
	}

	if got, err := e.IovaToPhys(base); err != nil || got != 0x1000_0000 {
		t.Errorf("IovaToPhys(base) = (%#x, %v), want (0x10000000, nil)", got, err)
	}
	if got, err := e.IovaToPhys(base + 0x1000); err != nil || got != 0x2000_0000 {
		t.Errorf("IovaToPhys(base+0x1000) = (%#x, %v), want (0x20000000, nil)", got, err)
	}
}
