// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ptmap implements the map/unmap/cut engine (C5): the operations
// that actually mutate a radix table, built on walker's descent primitives
// and ptpage's allocator. It generalises dma.Region's block-list
// bookkeeping (alloc/free/defrag over a flat arena) to a radix tree: each
// MapRange/UnmapRange call walks down allocating or freeing table pages
// exactly the way dma.Region grows/shrinks its free-block list, except the
// "blocks" here are table pages chained by level instead of a single flat
// free list.
package ptmap

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/ptpage"
	"github.com/gptcore/iommupt/topword"
)

// TableOwner is the ptpage.Pool owner type for interior table pages: just
// enough to let diagnostics (GetInfo) report how a page is used.
type TableOwner struct {
	Level int
}

// Engine ties one Format instance to the allocator, atomic top pointer and
// incoherent-DMA/RCU machinery needed to mutate its tables concurrently.
type Engine struct {
	Format ptfmt.Format
	Pool   *ptpage.Pool[TableOwner]
	DMA    ptpage.DMAMapper
	RCU    *ptpage.RCUDomain
	Top    topword.Manager

	// pending accumulates table pages allocated by a MapRange call that
	// are still incoherent (DMA-mapped but not yet flushed), so the
	// caller can batch one HW cache-flush across many installs instead
	// of flushing per page (spec.md's write-log batching for incoherent
	// table-page visibility).
	pending *ptpage.Page[TableOwner]

	// flushOps is the optional host-provided flush contract (spec.md
	// §6), wired through UseHWFlushOps.
	flushOps HWFlushOps
}

// NewEngine wires an Engine around an already-initialised pool and DMA
// mapper, publishing rootPA/rootLevel as the initial top.
func NewEngine(f ptfmt.Format, pool *ptpage.Pool[TableOwner], dma ptpage.DMAMapper, rootPA uintptr, rootLevel int) *Engine {
	e := &Engine{
		Format: f,
		Pool:   pool,
		DMA:    dma,
		RCU:    &ptpage.RCUDomain{},
	}
	e.Top.Init(rootPA, rootLevel)
	return e
}

func (e *Engine) incoherent() bool {
	return e.Format.SupportedFeatures()&ptfmt.FeatDMAIncoherentWalk != 0
}

func (e *Engine) allocTable(level int) (*ptpage.Page[TableOwner], error) {
	page, err := e.Pool.Alloc(TableOwner{Level: level}, e.Format.TableMemLg2Sz())
	if err != nil {
		return nil, ErrOutOfMemory
	}

	if e.incoherent() {
		if err := ptpage.StartIncoherent(page, e.DMA); err != nil {
			e.Pool.Free(page)
			return nil, err
		}
		page.Link(e.pending)
		e.pending = page
	}

	return page, nil
}

// FlushPending issues the deferred cache-sync for every table page a
// MapRange call allocated since the last FlushPending, and clears their
// still-flushing flags. Callers drive the matching IOTLB/device-TLB
// invalidate themselves; FlushPending only covers table-memory visibility,
// per spec.md's split between "CPU write visible to device" and
// "device TLB forgets a stale translation".
func (e *Engine) FlushPending() error {
	head := e.pending
	e.pending = nil

	for page := head; page != nil; page = page.Next() {
		if err := ptpage.DoneIncoherentFlush(page, e.DMA); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(f ptfmt.Format, iova, size uint64) error {
	if size == 0 {
		return ErrInvalidArgument
	}
	granule := f.GranuleLg2Sz()
	if log2.Mod(iova, granule) != 0 || log2.Mod(size, granule) != 0 {
		return ErrInvalidArgument
	}

	end := iova + size - 1
	if end < iova {
		return ErrOutOfRange
	}

	maxVALg2 := f.MaxVALg2()
	if maxVALg2 < 64 {
		maxVA := log2.ToMax[uint64](maxVALg2)
		if end > maxVA {
			return ErrOutOfRange
		}
	}
	return nil
}

// requiredTopLevel returns the minimum root level whose span covers
// [iova, iova+size-1].
func requiredTopLevel(f ptfmt.Format, iova, size uint64) int {
	end := iova + size - 1
	for level := 0; level <= f.MaxTopLevel(); level++ {
		exp := f.TableItemLg2Sz(level) + f.NumItemsLg2(level)
		if exp >= 64 {
			return level
		}
		span := log2.ToInt[uint64](exp)
		if end < span {
			return level
		}
	}
	return f.MaxTopLevel()
}
