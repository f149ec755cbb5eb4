// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ptmaptest is a small in-memory implementation of spec.md §6's
// host-provided flush ops contract, so a format's test suite can exercise
// §8's testable properties (dynamic-top growth, write-log batching) without
// a real IOMMU driver backing it.
package ptmaptest

import "sync"

// FlushOps counts and records every call a driver would otherwise make to
// real hardware, so tests can assert on call order and arguments instead
// of just "it didn't error".
type FlushOps struct {
	mu sync.Mutex

	FlushAllCount int

	ChangeTopCalls []ChangeTopCall

	lock sync.Mutex
}

// ChangeTopCall records one change_top(new_pa, new_level) invocation.
type ChangeTopCall struct {
	NewPA    uintptr
	NewLevel int
}

// FlushAll records one flush_all(domain) call.
func (f *FlushOps) FlushAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FlushAllCount++
	return nil
}

// ChangeTop records one change_top(domain, new_pa, new_level) call.
func (f *FlushOps) ChangeTop(newPA uintptr, newLevel int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ChangeTopCalls = append(f.ChangeTopCalls, ChangeTopCall{NewPA: newPA, NewLevel: newLevel})
	return nil
}

// TopLock returns the spinlock get_top_lock(domain) would hand back.
func (f *FlushOps) TopLock() sync.Locker {
	return &f.lock
}

// Calls returns a snapshot of the recorded ChangeTop calls.
func (f *FlushOps) Calls() []ChangeTopCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChangeTopCall, len(f.ChangeTopCalls))
	copy(out, f.ChangeTopCalls)
	return out
}
