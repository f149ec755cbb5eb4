package ptpage

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// RCUDomain is a minimal epoch-based reclaimer: readers bracket a walk with
// Enter/Exit, writers Retire a batch under the current generation, and
// Reclaim frees every retired batch whose generation has no readers left.
// This is the "any primitive that defers destruction past a grace period"
// spec.md §9 asks for; the caller drives Reclaim (typically right after it
// issues the matching HW TLB/IOTLB flush for the unmap that triggered the
// retirement).
type RCUDomain struct {
	mu sync.Mutex

	generation atomicbitops.Uint64
	readers    map[uint64]*atomicbitops.Int64

	pending []pendingReclaim
}

type pendingReclaim struct {
	gen    uint64
	reclaim func()
}

// Enter marks the calling walker as an active reader of the current
// generation; Exit must be called when the walk completes.
func (d *RCUDomain) Enter() (gen uint64, exit func()) {
	d.mu.Lock()
	if d.readers == nil {
		d.readers = make(map[uint64]*atomicbitops.Int64)
	}
	gen = d.generation.Load()
	counter, ok := d.readers[gen]
	if !ok {
		counter = &atomicbitops.Int64{}
		d.readers[gen] = counter
	}
	d.mu.Unlock()

	counter.Add(1)

	return gen, func() {
		counter.Add(-1)
	}
}

// Retire advances the generation and returns the generation number the
// about-to-be-unlinked batch was last visible under.
func (d *RCUDomain) Retire() uint64 {
	return d.generation.Add(1) - 1
}

// onReclaim registers reclaim to run once no reader remains in gen or any
// earlier generation. Reclaim is driven lazily by Reclaim(), not by a
// background goroutine, so it never fires concurrently with a caller that
// hasn't asked for it.
func (d *RCUDomain) onReclaim(gen uint64, reclaim func()) {
	d.mu.Lock()
	d.pending = append(d.pending, pendingReclaim{gen: gen, reclaim: reclaim})
	d.mu.Unlock()
}

// Reclaim frees every pending batch whose generation has quiesced. The
// caller should invoke this after driving the HW flush that the matching
// unmap_range promised its caller.
func (d *RCUDomain) Reclaim() {
	d.mu.Lock()

	var ready []pendingReclaim
	var remaining []pendingReclaim

	for _, p := range d.pending {
		if d.quiescedLocked(p.gen) {
			ready = append(ready, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	d.pending = remaining

	d.mu.Unlock()

	for _, p := range ready {
		p.reclaim()
	}
}

func (d *RCUDomain) quiescedLocked(gen uint64) bool {
	for g, counter := range d.readers {
		if g <= gen && counter.Load() > 0 {
			return false
		}
	}
	return true
}
