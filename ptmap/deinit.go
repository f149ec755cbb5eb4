package ptmap

import (
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/ptpage"
)

// Deinit collects every remaining table page reachable from the current
// top - interior and root alike - and frees them synchronously. Unlike
// UnmapRange's RCU-deferred reclaim, Deinit assumes the caller has already
// quiesced every concurrent walker (the domain is being torn down), so
// there is no grace period to wait out; it is the "passive walker,
// ignore_mapped" pass spec.md §4.7 describes.
func (e *Engine) Deinit() error {
	top, level := e.Top.Load()

	freeHead := e.deinitLevel(level, top)

	if page, ok := e.Pool.Lookup(top); ok {
		page.Link(freeHead)
		freeHead = page
	}

	if e.incoherent() {
		if err := ptpage.StopIncoherentList(freeHead, e.DMA); err != nil {
			return err
		}
	}
	e.Pool.FreeList(freeHead)

	e.Top.Init(0, 0)

	return nil
}

// deinitLevel unlinks and returns (as a free-list) every child table
// reachable from the table at (table, level), post-order, leaving OA
// leaves untouched (they carry no allocation of their own) and emptying
// every interior descriptor it visits.
func (e *Engine) deinitLevel(level int, table uintptr) *ptpage.Page[TableOwner] {
	if level == 0 {
		return nil
	}

	maxIdx := uint(1)<<e.Format.NumItemsLg2(level) - 1
	var freeHead *ptpage.Page[TableOwner]

	for i := uint(0); i <= maxIdx; i++ {
		state := &ptfmt.State{Table: table, Level: level, Index: i}
		if e.Format.LoadEntryRaw(state) != ptfmt.Table {
			continue
		}

		childFree := e.deinitLevel(level-1, state.Child)
		if childFree != nil {
			tail := childFree
			for tail.Next() != nil {
				tail = tail.Next()
			}
			tail.Link(freeHead)
			freeHead = childFree
		}

		e.Format.ClearEntry(state, 1)

		if page, ok := e.Pool.Lookup(state.Child); ok {
			page.Link(freeHead)
			freeHead = page
		}
	}

	return freeHead
}
