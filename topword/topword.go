// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package topword manages the top-of-table pointer (C6): the (root table
// address, root level) pair every lookup starts from, generalising the
// read_cr3/set_ttbr0 single-register pattern the teacher's per-arch mmu
// packages use into a single atomically-published word plus a protocol
// for growing the root level under concurrent lookups (spec.md §3/§4.6).
package topword

import (
	"errors"

	"github.com/gptcore/iommupt/ptfmt"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// levelBits is how many low bits of the packed word hold the root level.
// Table pointers returned by the page allocator are always granule
// aligned (at least 4 KiB), so the low 4 bits are free for the level,
// comfortably covering every format's MaxTopLevel (largest is 5, AMD v1).
const levelBits = 4
const levelMask = uint64(1)<<levelBits - 1

// ErrLevelOverflow is returned by GrowTo when the format's MaxTopLevel
// would be exceeded.
var ErrLevelOverflow = errors.New("topword: growth would exceed format's max top level")

// Pack encodes a table pointer and level into one word. ptr's low
// levelBits bits must be zero.
func Pack(ptr uintptr, level int) uint64 {
	if uint64(ptr)&levelMask != 0 {
		panic("topword: table pointer is not aligned for level packing")
	}
	return uint64(ptr) | (uint64(level) & levelMask)
}

// Unpack is the inverse of Pack.
func Unpack(word uint64) (ptr uintptr, level int) {
	return uintptr(word &^ levelMask), int(word & levelMask)
}

// Word is a single atomically loaded/stored (pointer, level) pair.
type Word struct {
	raw atomicbitops.Uint64
}

// Load reads the current top with acquire semantics.
func (w *Word) Load() (ptr uintptr, level int) {
	return Unpack(w.raw.Load())
}

// Store publishes a new top with release semantics, for initialisation or
// paths already holding exclusive access.
func (w *Word) Store(ptr uintptr, level int) {
	w.raw.Store(Pack(ptr, level))
}

// CompareAndSwap installs (newPtr, newLevel) iff the word still reads as
// (oldPtr, oldLevel).
func (w *Word) CompareAndSwap(oldPtr uintptr, oldLevel int, newPtr uintptr, newLevel int) bool {
	return w.raw.CompareAndSwap(Pack(oldPtr, oldLevel), Pack(newPtr, newLevel))
}

// NewTableFunc allocates a fresh, zeroed table page and returns its
// address.
type NewTableFunc func() (uintptr, error)

// InstallChildFunc installs childPA as the sole populated entry (index 0)
// of the table at tablePA, whose level is childLevel+1, with
// format-appropriate table-descriptor attributes.
type InstallChildFunc func(tablePA uintptr, childPA uintptr, childLevel int) error

// Manager coordinates top-level growth under concurrent lookups. A lookup
// that observes a root level too shallow for its VA calls GrowTo, which
// races other growers under mu but leaves readers of Word lock-free:
// concurrent translations only ever see a published, fully-initialised
// top, never a half-built one (spec.md §4.6 dynamic top growth).
type Manager struct {
	word Word
	mu   sync.Mutex

	// ChangeTop, if set, is called with the Manager's own growth mutex
	// held (the host's HWFlushOps.TopLock is not acquired), after the
	// new top is fully built but before it is published, mirroring
	// hw_flush_ops.change_top(new_pa, new_level) (spec.md §4.6 step 4).
	// A driver wires this to whatever HW register or command the IOMMU
	// needs poked so the device itself picks up the new root; a
	// software-only instance (the default) leaves it nil.
	ChangeTop func(newPA uintptr, newLevel int) error
}

// Init publishes the initial top. Callers must not call Init concurrently
// with any other Manager method.
func (m *Manager) Init(rootPA uintptr, level int) {
	m.word.Store(rootPA, level)
}

// Load returns the current top.
func (m *Manager) Load() (ptr uintptr, level int) {
	return m.word.Load()
}

// GrowTo ensures the published top level is at least minLevel, wrapping
// the existing root in successively higher single-child tables as needed.
// Each wrapper is fully built (allocated and its sole child entry
// installed) before being stored as the new top under mu, so a concurrent
// Load never observes a table with an uninitialised entry.
func (m *Manager) GrowTo(f ptfmt.Format, minLevel int, newTable NewTableFunc, installChild InstallChildFunc) error {
	if minLevel > f.MaxTopLevel() {
		return ErrLevelOverflow
	}

	for {
		ptr, level := m.Load()
		if level >= minLevel {
			return nil
		}

		m.mu.Lock()
		ptr, level = m.Load()
		if level >= minLevel {
			m.mu.Unlock()
			continue
		}

		newPA, err := newTable()
		if err != nil {
			m.mu.Unlock()
			return err
		}

		if err := installChild(newPA, ptr, level); err != nil {
			m.mu.Unlock()
			return err
		}

		if m.ChangeTop != nil {
			if err := m.ChangeTop(newPA, level+1); err != nil {
				m.mu.Unlock()
				return err
			}
		}

		m.word.Store(newPA, level+1)
		m.mu.Unlock()
	}
}
