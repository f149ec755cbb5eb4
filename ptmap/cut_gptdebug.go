//go:build gptdebug

package ptmap

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/walker"
)

// CutMapping ensures no leaf entry straddles iova or iova+size: any
// contiguous-aggregated run or oversized block that crosses one of those
// boundaries is split down into individually-addressable entries covering
// the same OA range and attributes, without altering which bytes are
// mapped. Callers use this before an UnmapRange or MapRange whose range
// falls inside a larger existing mapping, since neither operation may
// partially rewrite one hardware-aggregated descriptor.
func (e *Engine) CutMapping(iova, size uint64) error {
	if err := checkRange(e.Format, iova, size); err != nil {
		return err
	}

	top, level := e.Top.Load()
	return e.cutLevel(level, top, 0, iova, iova+size-1)
}

func (e *Engine) cutLevel(level int, table uintptr, tableBaseVA, start, end uint64) error {
	itemSz := e.Format.TableItemLg2Sz(level)

	idx := walker.Index(e.Format, level, start)
	lastIdx := walker.LastIndex(e.Format, level, tableBaseVA, end)

	for i := idx; i <= lastIdx; i++ {
		entryVA := walker.VAAtIndex(e.Format, level, tableBaseVA, i)

		state := &ptfmt.State{Table: table, Level: level, Index: i}
		e.Format.LoadEntryRaw(state)

		switch state.Kind {
		case ptfmt.Empty:
			continue

		case ptfmt.Table:
			segStart, segEnd := clampRange(start, end, entryVA, entryVA+(uint64(1)<<itemSz)-1)
			if err := e.cutLevel(level-1, state.Child, entryVA, segStart, segEnd); err != nil {
				return err
			}

		case ptfmt.OA:
			contig := e.Format.EntryNumContigLg2(state)
			if contig > 0 {
				runLg2 := itemSz + contig
				runStart := walker.VAAtIndex(e.Format, level, tableBaseVA, i&^((1<<contig)-1))
				runEnd := runStart + (uint64(1) << runLg2) - 1

				if !boundaryInside(start, end, runStart, runEnd) {
					continue
				}
				if err := e.splitRun(level, table, runStart, runLg2, itemSz, state); err != nil {
					return err
				}
				// Re-evaluate this index's entry post-split on the next
				// iteration of the enclosing loop isn't necessary:
				// splitRun rewrites in place at the same level with no
				// contig hint.
				continue
			}

			// A singleton (non-contiguous) leaf can still be larger than
			// what the next-finer level represents in one entry (e.g. a
			// 2 MiB AMD-v1 block installed directly at level 1): if a
			// cut boundary falls strictly inside it, there is no
			// same-level rewrite that helps, so descend one level,
			// rebuilding the leaf as a freshly allocated child table of
			// itemSz(level-1)-sized entries, then recurse the cut into
			// that table in case it still needs a finer split.
			runEnd := entryVA + (uint64(1) << itemSz) - 1
			if !boundaryInside(start, end, entryVA, runEnd) {
				continue
			}
			if level == 0 {
				// a granule leaf can't be subdivided further; checkRange's
				// granule alignment on both iova and size means a
				// boundary can never legitimately fall inside one.
				continue
			}

			childPA, err := e.descendLeaf(level, state)
			if err != nil {
				return err
			}
			segStart, segEnd := clampRange(start, end, entryVA, runEnd)
			if err := e.cutLevel(level-1, childPA, entryVA, segStart, segEnd); err != nil {
				return err
			}
		}
	}

	return nil
}

// boundaryInside reports whether start or end falls strictly inside
// (runStart, runEnd), i.e. whether a leaf spanning that run straddles
// either cut boundary.
func boundaryInside(start, end, runStart, runEnd uint64) bool {
	return (start > runStart && start <= runEnd) || (end >= runStart && end < runEnd)
}

// splitRun rewrites a [runStart, runStart+2^runLg2) contiguous-aggregated
// entry as runLg2-itemLg2 individual itemLg2-sized leaf entries with the
// same OA and attribute mapping, preserving exactly the same translation
// while removing the aggregation that prevented a partial cut.
func (e *Engine) splitRun(level int, table uintptr, runStart uint64, runLg2, itemLg2 uint, first *ptfmt.State) error {
	attrs := e.Format.AttrFromEntry(first)
	contig := runLg2 - itemLg2
	// first may have been loaded from any index within the run, not
	// necessarily its first: mask off the sub-index bits (which formats
	// encode differently - some store each entry's real, incrementing OA,
	// others OR a shared trailing-ones marker across the whole group -
	// either way those bits carry no group-base information) to recover
	// the run's true aligned base OA.
	subIdxMask := log2.ToMax[uint64](contig) << itemLg2
	baseOA := e.Format.EntryOA(first) &^ subIdxMask
	runLen := uint64(1) << contig
	itemBytes := uint64(1) << itemLg2

	startIdx := walker.Index(e.Format, level, runStart)

	for n := uint64(0); n < runLen; n++ {
		idx := startIdx + uint(n)
		state := &ptfmt.State{Table: table, Level: level, Index: idx}
		oa := baseOA + n*itemBytes
		e.Format.InstallLeafEntry(state, oa, itemLg2, attrs)
	}

	return nil
}

// descendLeaf replaces the oversized leaf at state (covering one item's
// full span at level) with a freshly allocated child table at level-1,
// populated with itemSz(level-1)-sized leaves carrying the same OA range
// and attributes, and CAS-installs it in state's place. It returns the
// child table's physical address, whether it built a new one or lost a
// race to a concurrent mutation that already replaced the leaf.
func (e *Engine) descendLeaf(level int, state *ptfmt.State) (uintptr, error) {
	attrs := e.Format.AttrFromEntry(state)
	baseOA := e.Format.EntryOA(state)

	childLevel := level - 1
	childItemSz := e.Format.TableItemLg2Sz(childLevel)
	childCount := uint64(1) << e.Format.NumItemsLg2(childLevel)
	itemBytes := uint64(1) << childItemSz

	page, err := e.allocTable(childLevel)
	if err != nil {
		return 0, err
	}

	for n := uint64(0); n < childCount; n++ {
		child := &ptfmt.State{Table: page.Addr, Level: childLevel, Index: uint(n)}
		e.Format.InstallLeafEntry(child, baseOA+n*itemBytes, childItemSz, attrs)
	}

	if !e.Format.InstallTable(state, page.Addr, ptfmt.Attrs{}) {
		e.Pool.Free(page)
		e.Format.LoadEntryRaw(state)
		if state.Kind == ptfmt.Table {
			return state.Child, nil
		}
		return e.descendLeaf(level, state)
	}

	return page.Addr, nil
}

func clampRange(start, end, lo, hi uint64) (uint64, uint64) {
	if start < lo {
		start = lo
	}
	if end > hi {
		end = hi
	}
	return start, end
}
