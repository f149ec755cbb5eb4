// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pae implements the x86 PAE (Physical Address Extension) page
// table format (spec.md §6): a 32-bit virtual address space mapped through
// 64-bit descriptors across a 3-level radix (PDPTE/PDE/PTE). Grounded on
// amd64/mmu.go's PTE bit-field layout, narrowed to PAE's 2-bit PDPTE index
// and its lack of a PML4 level.
package pae

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

const (
	bitP    = 0
	bitRW   = 1
	bitU    = 2
	bitA    = 5
	bitD    = 6
	bitPS   = 7
	bitXD   = 63
	shiftOA = 12
	maskOA  = 0x000f_ffff_ffff_f000 // bits 51:12
)

const (
	granuleLg2   = 12
	itemLg2Step  = 9
	entryWordLen = 8
	maxTopLevel  = 2 // PDPTE(2)/PDE(1)/PTE(0); PDPTE table itself has only 4 entries
)

// Format is the x86 PAE descriptor codec.
type Format struct {
	// NX gates whether the XD (no-execute) bit is honored; PAE requires
	// EFER.NXE to be set for it to take effect, tracked by the caller.
	NX bool
}

var _ ptfmt.Format = (*Format)(nil)

func (f *Format) MaxTopLevel() int    { return maxTopLevel }
func (f *Format) GranuleLg2Sz() uint  { return granuleLg2 }
func (f *Format) TableMemLg2Sz() uint { return granuleLg2 }
func (f *Format) EntryWordSize() uint { return entryWordLen }
func (f *Format) MaxVALg2() uint      { return 32 }
func (f *Format) MaxOALg2() uint      { return 52 }

func (f *Format) NumItemsLg2(level int) uint {
	if level == maxTopLevel {
		return 2 // PDPTE table has only 4 entries
	}
	return itemLg2Step
}

func (f *Format) TableItemLg2Sz(level int) uint {
	return granuleLg2 + itemLg2Step*uint(level)
}

func (f *Format) CanHaveLeaf(level int) bool {
	// The top-level PDPTE table cannot itself hold a 1 GiB leaf in
	// classic PAE (no PS bit support at that level on most hardware);
	// leaves are only possible at the PDE and PTE levels.
	return level <= 1
}

func (f *Format) PossibleSizes(level int) ptfmt.SizeSet {
	var s ptfmt.SizeSet
	if f.CanHaveLeaf(level) {
		s = s.With(f.TableItemLg2Sz(level))
	}
	return s
}

func (f *Format) EntryNumContigLg2(state *ptfmt.State) uint {
	// PAE descriptors have no contiguous-entry hint bit.
	return 0
}

func (f *Format) addr(state *ptfmt.State) uintptr {
	return state.EntryAddr(entryWordLen)
}

func (f *Format) LoadEntryRaw(state *ptfmt.State) ptfmt.EntryKind {
	word := ptfmt.LoadRaw64(f.addr(state))
	state.Entry = ptfmt.Descriptor(word)

	if word&(1<<bitP) == 0 {
		state.Kind = ptfmt.Empty
		return ptfmt.Empty
	}

	if state.Level > 0 && word&(1<<bitPS) == 0 {
		state.Kind = ptfmt.Table
		state.Child = uintptr(word & maskOA)
		return ptfmt.Table
	}

	state.Kind = ptfmt.OA
	return ptfmt.OA
}

func (f *Format) InstallLeafEntry(state *ptfmt.State, oa uint64, lg2sz uint, attrs ptfmt.Attrs) {
	word := uint64(1 << bitP)
	word |= attrs.Raw
	word |= oa & maskOA
	if state.Level > 0 {
		word |= 1 << bitPS
	}

	ptfmt.StoreRaw64(f.addr(state), word)
	state.Entry = ptfmt.Descriptor(word)
	state.Kind = ptfmt.OA
}

func (f *Format) InstallTable(state *ptfmt.State, tablePA uintptr, attrs ptfmt.Attrs) bool {
	old := uint64(state.Entry)

	word := uint64(1<<bitP | 1<<bitRW | 1<<bitU)
	word |= uint64(tablePA) & maskOA

	ok := ptfmt.CASRaw64(f.addr(state), old, word)
	if ok {
		state.Entry = ptfmt.Descriptor(word)
		state.Kind = ptfmt.Table
		state.Child = tablePA
	}
	return ok
}

func (f *Format) ClearEntry(state *ptfmt.State, n uint) {
	for i := uint(0); i < n; i++ {
		addr := state.Table + uintptr(state.Index+i)*entryWordLen
		ptfmt.StoreRaw64(addr, 0)
	}
	state.Entry = 0
	state.Kind = ptfmt.Empty
}

func (f *Format) TablePA(state *ptfmt.State) uintptr {
	return uintptr(uint64(state.Entry) & maskOA)
}

func (f *Format) EntryOA(state *ptfmt.State) uint64 {
	return uint64(state.Entry) & maskOA
}

func (f *Format) TablePtr(state *ptfmt.State) uintptr {
	return state.Child
}

func (f *Format) AttrFromEntry(state *ptfmt.State) ptfmt.Attrs {
	word := uint64(state.Entry)
	var prot ptfmt.Prot
	prot |= ptfmt.ProtRead
	if word&(1<<bitRW) != 0 {
		prot |= ptfmt.ProtWrite
	}
	if !f.NX || word&(1<<bitXD) == 0 {
		prot |= ptfmt.ProtExec
	}
	mask := uint64(1<<bitRW | 1<<bitU | 1<<bitXD)
	return ptfmt.Attrs{Prot: prot, Raw: word & mask}
}

func (f *Format) IommuSetProt(prot ptfmt.Prot) ptfmt.Attrs {
	raw := uint64(1 << bitU)
	if prot&ptfmt.ProtWrite != 0 {
		raw |= 1 << bitRW
	}
	if f.NX && prot&ptfmt.ProtExec == 0 {
		raw |= 1 << bitXD
	}
	return ptfmt.Attrs{Prot: prot, Raw: raw}
}

func (f *Format) EntryWriteIsDirty(state *ptfmt.State) bool {
	return uint64(state.Entry)&(1<<bitD) != 0
}

func (f *Format) EntrySetWriteClean(state *ptfmt.State) {
	addr := f.addr(state)
	for {
		old := ptfmt.LoadRaw64(addr)
		if old&(1<<bitD) == 0 {
			return
		}
		if ptfmt.CASRaw64(addr, old, old&^(1<<bitD)) {
			return
		}
	}
}

func (f *Format) EntryMakeWriteDirty(state *ptfmt.State) {
	addr := f.addr(state)
	for {
		old := ptfmt.LoadRaw64(addr)
		if old&(1<<bitD) != 0 {
			return
		}
		if ptfmt.CASRaw64(addr, old, old|(1<<bitD)) {
			return
		}
	}
}

func (f *Format) FullVAPrefix() log2.FullVAPrefix {
	return log2.PrefixZero
}

func (f *Format) SupportedFeatures() ptfmt.Feature {
	return 0
}
