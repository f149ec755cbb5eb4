package ptmap

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/walker"
)

// MapRange installs a mapping from iova to oa over size bytes with the
// given protection, growing the top level and allocating intermediate
// tables as needed. iova, oa and size must all be GranuleLg2Sz-aligned.
// MapRange fails with ErrInUse rather than overwriting an existing
// mapping anywhere in the range.
func (e *Engine) MapRange(iova, oa, size uint64, prot ptfmt.Prot) error {
	if err := checkRange(e.Format, iova, size); err != nil {
		return err
	}
	if log2.Mod(oa, e.Format.GranuleLg2Sz()) != 0 {
		return ErrInvalidArgument
	}

	minLevel := requiredTopLevel(e.Format, iova, size)
	if err := e.Top.GrowTo(e.Format, minLevel,
		func() (uintptr, error) {
			page, err := e.allocTable(minLevel)
			if err != nil {
				return 0, err
			}
			return page.Addr, nil
		},
		func(tablePA uintptr, childPA uintptr, childLevel int) error {
			state := &ptfmt.State{Table: tablePA, Level: childLevel + 1, Index: 0}
			e.Format.InstallTable(state, childPA, ptfmt.Attrs{})
			return nil
		},
	); err != nil {
		return err
	}

	top, level := e.Top.Load()
	attrs := e.Format.IommuSetProt(prot)

	return e.mapLevel(level, top, 0, iova, iova+size-1, oa, attrs)
}

func (e *Engine) mapLevel(level int, table uintptr, tableBaseVA, start, end, oa uint64, attrs ptfmt.Attrs) error {
	itemSz := e.Format.TableItemLg2Sz(level)
	numItemsLg2 := e.Format.NumItemsLg2(level)
	tableEnd := tableBaseVA + (uint64(1) << (itemSz + numItemsLg2)) - 1

	for {
		idx := walker.Index(e.Format, level, start)
		entryVA := walker.VAAtIndex(e.Format, level, tableBaseVA, idx)
		entryEnd := entryVA + (uint64(1) << itemSz) - 1

		// The candidate leaf/run may reach past this one item, but never
		// past the caller's end nor this table's own span.
		capEnd := end
		if tableEnd < capEnd {
			capEnd = tableEnd
		}
		remaining := capEnd - start + 1

		lg2sz, fitsWhole := walker.BestLeafSize(e.Format, level, start, oa, remaining)

		if fitsWhole && lg2sz >= itemSz && e.Format.CanHaveLeaf(level) {
			// BestLeafSize's alignment guarantee (Ffs(start|oa) >= lg2sz)
			// means start is already itemSz-aligned whenever lg2sz >=
			// itemSz, so this always starts exactly at entryVA.
			n := uint(1)
			if lg2sz > itemSz {
				n = uint(1) << (lg2sz - itemSz)
			}

			for i := uint(0); i < n; i++ {
				probe := &ptfmt.State{Table: table, Level: level, Index: idx + i}
				if e.Format.LoadEntryRaw(probe) != ptfmt.Empty {
					return ErrInUse
				}
			}
			for i := uint(0); i < n; i++ {
				item := &ptfmt.State{Table: table, Level: level, Index: idx + i}
				e.Format.InstallLeafEntry(item, oa+(uint64(i)<<itemSz), lg2sz, attrs)
			}

			runEnd := start + (uint64(1) << lg2sz) - 1
			if runEnd == end {
				return nil
			}
			consumed := runEnd - start + 1
			start = runEnd + 1
			oa += consumed
			continue
		}

		if level == 0 {
			return ErrInvalidArgument
		}

		segEnd := end
		if entryEnd < segEnd {
			segEnd = entryEnd
		}

		state := &ptfmt.State{Table: table, Level: level, Index: idx}
		e.Format.LoadEntryRaw(state)

		childPA := state.Child
		if state.Kind == ptfmt.OA {
			return ErrInUse
		}
		if state.Kind != ptfmt.Table {
			page, err := e.allocTable(level - 1)
			if err != nil {
				return err
			}
			if !e.Format.InstallTable(state, page.Addr, ptfmt.Attrs{}) {
				e.Pool.Free(page)
				continue
			}
			childPA = page.Addr
		}
		if err := e.mapLevel(level-1, childPA, entryVA, start, segEnd, oa, attrs); err != nil {
			return err
		}

		if segEnd == end {
			return nil
		}
		consumed := segEnd - start + 1
		start = segEnd + 1
		oa += consumed
	}
}
