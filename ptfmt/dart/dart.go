// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dart implements the Apple DART v1/v2 IOMMU page table format
// (spec.md §6). No teacher file in the retrieval pack touches Apple
// silicon directly; this format follows the armv8 package's idiom (the
// closest structural analogue: a single 64-bit descriptor word, granule-
// sized leaves, no separate block/page distinction) since both are
// ARM-adjacent single-word radix formats.
package dart

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

const (
	bitValid = 0

	shiftOAv1 = 12
	maskOAv1  = 0x0000_000f_ffff_f000 // bits 35:12
	shiftOAv2 = 10
	maskOAv2  = 0x0000_3fff_ffff_fc00 // bits 37:10

	shiftWindowStart = 40
	shiftWindowEnd   = 52
	maskWindow       = 0xfff

	bitProtRead  = 1 << 1
	bitProtWrite = 1 << 2
)

const (
	granuleLg2   = 14 // 16 KiB, Apple's native IOMMU page granule
	itemLg2Step  = 11 // 2048 entries/table in the common 2-level layout
	entryWordLen = 8
	maxTopLevel  = 1
)

// Version distinguishes the v1 and v2 OA field encodings.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// Format is the Apple DART descriptor codec.
type Format struct {
	Ver Version
}

var _ ptfmt.Format = (*Format)(nil)

func (f *Format) MaxTopLevel() int    { return maxTopLevel }
func (f *Format) GranuleLg2Sz() uint  { return granuleLg2 }
func (f *Format) TableMemLg2Sz() uint { return granuleLg2 }
func (f *Format) EntryWordSize() uint { return entryWordLen }
func (f *Format) MaxVALg2() uint      { return granuleLg2 + itemLg2Step*uint(maxTopLevel+1) }

func (f *Format) MaxOALg2() uint {
	if f.Ver == V2 {
		return 38
	}
	return 36
}

func (f *Format) NumItemsLg2(level int) uint { return itemLg2Step }

func (f *Format) TableItemLg2Sz(level int) uint {
	return granuleLg2 + itemLg2Step*uint(level)
}

func (f *Format) CanHaveLeaf(level int) bool {
	return level == 0
}

func (f *Format) PossibleSizes(level int) ptfmt.SizeSet {
	var s ptfmt.SizeSet
	if level == 0 {
		s = s.With(f.TableItemLg2Sz(0))
	}
	return s
}

func (f *Format) EntryNumContigLg2(state *ptfmt.State) uint {
	// DART leaves are always singleton entries; the sub-page
	// start/end window bits (bits 63:40) constrain the valid byte
	// range within the granule but never span multiple entries.
	return 0
}

func (f *Format) addr(state *ptfmt.State) uintptr {
	return state.EntryAddr(entryWordLen)
}

func (f *Format) oaMask() uint64 {
	if f.Ver == V2 {
		return maskOAv2
	}
	return maskOAv1
}

func (f *Format) oaShift() uint {
	if f.Ver == V2 {
		return shiftOAv2
	}
	return shiftOAv1
}

func (f *Format) LoadEntryRaw(state *ptfmt.State) ptfmt.EntryKind {
	word := ptfmt.LoadRaw64(f.addr(state))
	state.Entry = ptfmt.Descriptor(word)

	if word&(1<<bitValid) == 0 {
		state.Kind = ptfmt.Empty
		return ptfmt.Empty
	}

	if state.Level == 0 {
		state.Kind = ptfmt.OA
		return ptfmt.OA
	}

	state.Kind = ptfmt.Table
	state.Child = uintptr(word & f.oaMask())
	return ptfmt.Table
}

func (f *Format) InstallLeafEntry(state *ptfmt.State, oa uint64, lg2sz uint, attrs ptfmt.Attrs) {
	word := uint64(1 << bitValid)
	word |= oa & f.oaMask()
	word |= attrs.Raw
	// full-window valid range: start=0, end=last granule unit
	word |= uint64(log2.ToMax[uint64](12)) << shiftWindowEnd

	ptfmt.StoreRaw64(f.addr(state), word)
	state.Entry = ptfmt.Descriptor(word)
	state.Kind = ptfmt.OA
}

func (f *Format) InstallTable(state *ptfmt.State, tablePA uintptr, attrs ptfmt.Attrs) bool {
	old := uint64(state.Entry)

	word := uint64(1 << bitValid)
	word |= uint64(tablePA) & f.oaMask()

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
	return uintptr(uint64(state.Entry) & f.oaMask())
}

func (f *Format) EntryOA(state *ptfmt.State) uint64 {
	return uint64(state.Entry) & f.oaMask()
}

func (f *Format) TablePtr(state *ptfmt.State) uintptr {
	return state.Child
}

func (f *Format) AttrFromEntry(state *ptfmt.State) ptfmt.Attrs {
	word := uint64(state.Entry)
	var prot ptfmt.Prot
	if word&bitProtRead != 0 {
		prot |= ptfmt.ProtRead
	}
	if word&bitProtWrite != 0 {
		prot |= ptfmt.ProtWrite
	}
	return ptfmt.Attrs{Prot: prot, Raw: word & (bitProtRead | bitProtWrite)}
}

func (f *Format) IommuSetProt(prot ptfmt.Prot) ptfmt.Attrs {
	var raw uint64
	if prot&ptfmt.ProtRead != 0 {
		raw |= bitProtRead
	}
	if prot&ptfmt.ProtWrite != 0 {
		raw |= bitProtWrite
	}
	return ptfmt.Attrs{Prot: prot, Raw: raw}
}

func (f *Format) EntryWriteIsDirty(state *ptfmt.State) bool  { return false }
func (f *Format) EntrySetWriteClean(state *ptfmt.State)      {}
func (f *Format) EntryMakeWriteDirty(state *ptfmt.State)     {}

func (f *Format) FullVAPrefix() log2.FullVAPrefix {
	return log2.PrefixZero
}

func (f *Format) SupportedFeatures() ptfmt.Feature {
	// DART v2's extra sub-page window bits and the upstream driver's
	// 512 GiB VA exclusion are carried as an open question (spec.md §9)
	// rather than silently special-cased here.
	return 0
}
