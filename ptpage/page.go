// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ptpage is a first-fit allocator for power-of-two aligned table
// memory. It threads per-page metadata (owner, size, incoherent/flushing
// flags, free-list link, RCU head) the way dma.Region threads per-block
// metadata for DMA buffers, but specialised for radix page table pages:
// allocations are always a power of two and carry extra bookkeeping the
// walker and map/unmap engine rely on.
package ptpage

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Page is one table page: a contiguous, physically-aligned block of
// descriptor entries, owned by exactly one table instance at a time.
type Page[O any] struct {
	// Owner is the owner value passed to Alloc (ptmap uses TableOwner,
	// which records the page's table level). Set at allocation.
	Owner O

	// Addr is the page's base address in the allocator's arena.
	Addr uintptr
	// Lg2Size is the log2 of the page's byte size.
	Lg2Size uint

	incoherent    atomicbitops.Bool
	stillFlushing atomicbitops.Bool

	// next chains pages on a free-list (batch free or RCU-deferred free)
	// without requiring a separate allocation.
	next *Page[O]

	// rcuGen is the reclamation generation this page was retired under,
	// valid only once the page has been unlinked from the live tree.
	rcuGen uint64
}

// Size returns the page's byte size.
func (p *Page[O]) Size() uintptr {
	return uintptr(1) << p.Lg2Size
}

// Incoherent reports whether this table page is DMA-mapped for the IOMMU
// (its contents are not cache-coherent with the CPU's view without an
// explicit flush).
func (p *Page[O]) Incoherent() bool {
	return p.incoherent.Load()
}

// StillFlushing acquire-loads the still-flushing flag: true until the HW
// cache-flush that makes this page visible to the IOMMU completes.
func (p *Page[O]) StillFlushing() bool {
	return p.stillFlushing.Load()
}

// markDoneFlushing release-stores the still-flushing flag to false.
func (p *Page[O]) markDoneFlushing() {
	p.stillFlushing.Store(false)
}

// Next returns the page's free-list successor, or nil at the end of a batch.
func (p *Page[O]) Next() *Page[O] {
	return p.next
}

// Link chains next onto this page's free-list pointer, used when the
// map/unmap engine accumulates a batch of tables to free.
func (p *Page[O]) Link(next *Page[O]) {
	p.next = next
}
