package ptmap

import (
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/ptpage"
	"github.com/gptcore/iommupt/walker"
)

// UnmapRange clears every mapping in [iova, iova+size), demoting/removing
// whatever leaf or table entries it touches. A child table whose whole VA
// span lies inside the range and that ends up entirely empty is unlinked
// from its parent and retired through the RCU domain rather than freed
// immediately (a table only partly covered stays linked even if it ends up
// empty), so a walker that started
// before the unlink can still safely finish dereferencing them. It
// returns the number of bytes actually unmapped: a request that only
// covers the start of a larger leaf (or contiguous run) still clears -
// and reports - that leaf's full size, since no sub-page splitting on
// unmap is supported (spec.md §4.5).
func (e *Engine) UnmapRange(iova, size uint64) (uint64, error) {
	if err := checkRange(e.Format, iova, size); err != nil {
		return 0, err
	}

	top, level := e.Top.Load()
	_, unmapped, err := e.unmapLevel(level, top, 0, iova, iova+size-1)
	return unmapped, err
}

// unmapLevel clears [start,end] within the table at (table, level,
// tableBaseVA) and reports whether the table is now entirely empty (so
// the caller can reclaim it) plus the number of bytes actually cleared.
// Child tables that become empty are chained onto a local batch and
// retired via RCU once this level's scan completes.
func (e *Engine) unmapLevel(level int, table uintptr, tableBaseVA, start, end uint64) (empty bool, unmapped uint64, err error) {
	itemSz := e.Format.TableItemLg2Sz(level)

	idx := walker.Index(e.Format, level, start)
	lastIdx := walker.LastIndex(e.Format, level, tableBaseVA, end)

	var freeHead *ptpage.Page[TableOwner]

	for i := idx; i <= lastIdx; i++ {
		entryVA := walker.VAAtIndex(e.Format, level, tableBaseVA, i)
		entryEnd := entryVA + (uint64(1) << itemSz) - 1

		state := &ptfmt.State{Table: table, Level: level, Index: i}
		e.Format.LoadEntryRaw(state)

		switch state.Kind {
		case ptfmt.Empty:
			continue

		case ptfmt.OA:
			contig := e.Format.EntryNumContigLg2(state)
			n := uint(1)
			if contig > 0 {
				// The window may start at any member of a contiguous
				// run: clear the whole run from its first member.
				n = uint(1) << contig
				state.Index = i &^ (n - 1)
			}
			e.Format.ClearEntry(state, n)
			unmapped += uint64(n) << itemSz
			i = state.Index + n - 1

		case ptfmt.Table:
			segStart := start
			if entryVA > segStart {
				segStart = entryVA
			}
			segEnd := end
			if entryEnd < segEnd {
				segEnd = entryEnd
			}

			childEmpty, childUnmapped, err := e.unmapLevel(level-1, state.Child, entryVA, segStart, segEnd)
			if err != nil {
				return false, unmapped, err
			}
			unmapped += childUnmapped
			if childEmpty {
				e.Format.ClearEntry(state, 1)
				if page, ok := e.Pool.Lookup(state.Child); ok {
					page.Link(freeHead)
					freeHead = page
				}
			}
		}
	}

	if freeHead != nil {
		e.Pool.FreeListRCU(freeHead, e.RCU)
	}

	return e.levelFullyEmpty(level, table, idx, lastIdx), unmapped, nil
}

// levelFullyEmpty reports whether [idx,lastIdx] spans this table's entire
// index range and every entry in it is empty, i.e. the table itself can be
// reclaimed by the caller.
func (e *Engine) levelFullyEmpty(level int, table uintptr, idx, lastIdx uint) bool {
	maxIdx := uint(1)<<e.Format.NumItemsLg2(level) - 1
	if idx != 0 || lastIdx != maxIdx {
		return false
	}
	for i := uint(0); i <= maxIdx; i++ {
		state := &ptfmt.State{Table: table, Level: level, Index: i}
		if e.Format.LoadEntryRaw(state) != ptfmt.Empty {
			return false
		}
	}
	return true
}
