package ptmap

import (
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/walker"
)

// DirtyFlag modifies ReadAndClearDirty's behaviour.
type DirtyFlag uint32

const (
	// DirtyNoClear samples the dirty bit of every leaf in range but
	// leaves it set, instead of clearing it as a side effect of the
	// read.
	DirtyNoClear DirtyFlag = 1 << iota
)

// DirtyBitmap receives one Mark call per leaf entry found dirty by
// ReadAndClearDirty, covering that leaf or, for a member of a contiguous
// run, the whole run.
type DirtyBitmap interface {
	Mark(iova, size uint64)
}

// ReadAndClearDirty samples the HW dirty bit of every leaf entry in
// [iova, iova+size), reporting each dirty one to bitmap, and - unless
// DirtyNoClear is set - clears the bit so a later call only reports writes
// that happened since. Formats without HW dirty tracking never set the bit
// in the first place, so this is a safe no-op for them.
func (e *Engine) ReadAndClearDirty(iova, size uint64, flags DirtyFlag, bitmap DirtyBitmap) error {
	if err := checkRange(e.Format, iova, size); err != nil {
		return err
	}

	top, level := e.Top.Load()
	end := iova + size - 1

	return walker.Walk(e.Format, top, level, 0, iova, end, func(state *ptfmt.State) (walker.Action, error) {
		if state.Kind != ptfmt.OA {
			return walker.Descend, nil
		}

		if !e.Format.EntryWriteIsDirty(state) {
			return walker.SkipChild, nil
		}

		contig := e.Format.EntryNumContigLg2(state)
		itemSz := e.Format.TableItemLg2Sz(state.Level)
		runSz := uint64(1) << itemSz
		runVA := state.VA
		if contig > 0 {
			runSz = uint64(1) << (itemSz + contig)
			runVA &^= runSz - 1
		}

		bitmap.Mark(runVA, runSz)

		if flags&DirtyNoClear == 0 {
			e.Format.EntrySetWriteClean(state)
		}

		return walker.SkipChild, nil
	})
}

// SetDirty forces the HW dirty bit dirty (true) or clean (false) for every
// leaf entry in [iova, iova+size), for drivers that need to seed or reset
// dirty tracking outside of a normal read cycle.
func (e *Engine) SetDirty(iova, size uint64, dirty bool) error {
	if err := checkRange(e.Format, iova, size); err != nil {
		return err
	}

	top, level := e.Top.Load()
	end := iova + size - 1

	return walker.Walk(e.Format, top, level, 0, iova, end, func(state *ptfmt.State) (walker.Action, error) {
		if state.Kind != ptfmt.OA {
			return walker.Descend, nil
		}
		if dirty {
			e.Format.EntryMakeWriteDirty(state)
		} else {
			e.Format.EntrySetWriteClean(state)
		}
		return walker.SkipChild, nil
	})
}
