// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package vtd implements the Intel VT-d second-stage (EPT-like) page table
// format (spec.md §6). Grounded on amd64/mmu.go's PML4/PDPT/PD/PT index
// arithmetic and its read_cr3/FindPTE descent pattern, whose R/W/A/D/PS bit
// handling maps directly onto VT-d's second-stage entry fields.
package vtd

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

const (
	bitR    = 0
	bitW    = 1
	bitX    = 2
	bitA    = 8
	bitD    = 9
	bitSNP  = 11
	bitPS   = 7
	shiftOA = 12
	maskOA  = 0x000f_ffff_ffff_f000 // bits 51:12
)

const (
	granuleLg2   = 12
	itemLg2Step  = 9
	entryWordLen = 8
	maxTopLevel  = 3 // PML4/PDPT/PD/PT, 4 levels (0..3)
)

// Format is the VT-d second-stage descriptor codec.
type Format struct {
	SnoopControl bool
}

var _ ptfmt.Format = (*Format)(nil)

func (f *Format) MaxTopLevel() int    { return maxTopLevel }
func (f *Format) GranuleLg2Sz() uint  { return granuleLg2 }
func (f *Format) TableMemLg2Sz() uint { return granuleLg2 }
func (f *Format) EntryWordSize() uint { return entryWordLen }
func (f *Format) MaxVALg2() uint      { return granuleLg2 + itemLg2Step*uint(maxTopLevel+1) }
func (f *Format) MaxOALg2() uint      { return 52 }

func (f *Format) NumItemsLg2(level int) uint { return itemLg2Step }

func (f *Format) TableItemLg2Sz(level int) uint {
	return granuleLg2 + itemLg2Step*uint(level)
}

func (f *Format) CanHaveLeaf(level int) bool {
	// PML4 (level 3) can never hold a leaf; PDPTE/PDE/PTE can.
	return level <= 2
}

func (f *Format) PossibleSizes(level int) ptfmt.SizeSet {
	var s ptfmt.SizeSet
	if f.CanHaveLeaf(level) {
		s = s.With(f.TableItemLg2Sz(level))
	}
	return s
}

func (f *Format) EntryNumContigLg2(state *ptfmt.State) uint {
	// VT-d second-stage has no contiguous-entry hint, unlike ARM.
	return 0
}

func (f *Format) addr(state *ptfmt.State) uintptr {
	return state.EntryAddr(entryWordLen)
}

func (f *Format) LoadEntryRaw(state *ptfmt.State) ptfmt.EntryKind {
	word := ptfmt.LoadRaw64(f.addr(state))
	state.Entry = ptfmt.Descriptor(word)

	if word&((1<<bitR)|(1<<bitW)) == 0 {
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
	word := attrs.Raw
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

	word := uint64(1<<bitR | 1<<bitW | 1<<bitX)
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
	if word&(1<<bitR) != 0 {
		prot |= ptfmt.ProtRead
	}
	if word&(1<<bitW) != 0 {
		prot |= ptfmt.ProtWrite
	}
	if word&(1<<bitX) != 0 {
		prot |= ptfmt.ProtExec
	}
	if word&(1<<bitSNP) != 0 {
		prot |= ptfmt.ProtCache
	}
	mask := uint64(1<<bitR | 1<<bitW | 1<<bitX | 1<<bitSNP)
	return ptfmt.Attrs{Prot: prot, Raw: word & mask}
}

func (f *Format) IommuSetProt(prot ptfmt.Prot) ptfmt.Attrs {
	var raw uint64
	if prot&ptfmt.ProtRead != 0 {
		raw |= 1 << bitR
	}
	if prot&ptfmt.ProtWrite != 0 {
		raw |= 1 << bitW
	}
	if prot&ptfmt.ProtExec != 0 {
		raw |= 1 << bitX
	}
	if f.SnoopControl && prot&ptfmt.ProtCache != 0 {
		raw |= 1 << bitSNP
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
	return ptfmt.FeatDynamicTop
}
