package ptmap

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/walker"
)

// IovaToPhys returns the output address a single iova currently translates
// to, plus the sub-page offset preserved from iova (spec.md §4.5); iova
// need not be granule-aligned. It reports ErrTranslationMissing if no
// mapping covers it.
func (e *Engine) IovaToPhys(iova uint64) (uint64, error) {
	maxVALg2 := e.Format.MaxVALg2()
	if maxVALg2 < 64 && iova > log2.ToMax[uint64](maxVALg2) {
		return 0, ErrOutOfRange
	}

	top, level := e.Top.Load()
	table := top
	tableBaseVA := uint64(0)

	for {
		itemSz := e.Format.TableItemLg2Sz(level)
		idx := walker.Index(e.Format, level, iova)
		entryVA := walker.VAAtIndex(e.Format, level, tableBaseVA, idx)

		state := &ptfmt.State{Table: table, Level: level, Index: idx}
		e.Format.LoadEntryRaw(state)

		switch state.Kind {
		case ptfmt.Empty:
			return 0, ErrTranslationMissing
		case ptfmt.OA:
			// entryVA/EntryOA() are this specific slot's own values; for
			// a contiguous run, recover the group's aligned base by
			// clearing the sub-index bits from both (formats differ on
			// whether they store the real per-slot OA or a shared
			// group-marker word, but either way those bits carry no
			// group-base information), then reapply the full iova
			// offset from the group's base VA.
			contig := e.Format.EntryNumContigLg2(state)
			subIdxMask := log2.ToMax[uint64](contig) << itemSz
			groupBaseVA := entryVA &^ subIdxMask
			groupBaseOA := e.Format.EntryOA(state) &^ subIdxMask
			return groupBaseOA + (iova - groupBaseVA), nil
		case ptfmt.Table:
			if level == 0 {
				return 0, ErrTranslationMissing
			}
			table = state.Child
			tableBaseVA = entryVA
			level--
		}
	}
}
