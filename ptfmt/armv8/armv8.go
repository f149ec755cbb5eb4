// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package armv8 implements the ARM VMSAv8-64 page table format (spec.md
// §6): a 64-bit descriptor, 4 KiB granule, 9 bits of index per level.
// Grounded on arm64/mmu.go's TTE_* attribute constants and level/section
// construction, generalised from that file's fixed 2-level flat mapping to
// an arbitrary-depth, arbitrary-protection radix walk.
package armv8

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

// Descriptor bit positions (Table D8-10/D8-17, ARM ARM for ARMv8-A).
const (
	bitValid     = 0
	bitPageTable = 1 // 1 = table (or page, at level 0); 0 = block

	shiftSH     = 8
	maskSH      = 0x3
	bitAF       = 10
	bitNG       = 11
	shiftAP     = 6
	maskAP      = 0x3
	shiftAttrIx = 2
	maskAttrIx  = 0x7
	bitUXN      = 53
	bitPXN      = 54
	bitDBM      = 51
	bitContig   = 52
	bitNSTable  = 63

	shiftOA  = 12
	maskOA48 = 0x0000_ffff_ffff_f000
)

const (
	granuleLg2   = 12
	itemLg2Step  = 9
	entryWordLen = 8
	maxTopLevel  = 3
)

// Format is the ARM VMSAv8-64 descriptor codec. Stage2 selects the
// stage-2 attribute encoding (S2MEMATTR/S2AP) instead of the stage-1 one.
type Format struct {
	Stage2 bool
	LPA    bool
}

var _ ptfmt.Format = (*Format)(nil)

func (f *Format) MaxTopLevel() int    { return maxTopLevel }
func (f *Format) GranuleLg2Sz() uint  { return granuleLg2 }
func (f *Format) TableMemLg2Sz() uint { return granuleLg2 }
func (f *Format) EntryWordSize() uint { return entryWordLen }
func (f *Format) MaxVALg2() uint      { return granuleLg2 + itemLg2Step*uint(maxTopLevel+1) }

func (f *Format) MaxOALg2() uint {
	if f.LPA {
		return 52
	}
	return 48
}

func (f *Format) NumItemsLg2(level int) uint { return itemLg2Step }

func (f *Format) TableItemLg2Sz(level int) uint {
	return granuleLg2 + itemLg2Step*uint(level)
}

func (f *Format) CanHaveLeaf(level int) bool {
	return level <= maxTopLevel
}

func (f *Format) PossibleSizes(level int) ptfmt.SizeSet {
	var s ptfmt.SizeSet
	itemSz := f.TableItemLg2Sz(level)
	s = s.With(itemSz)
	if level == 0 {
		// 16 contiguous 4K entries form a 64K contiguous hint region.
		s = s.With(itemSz + 4)
	} else {
		// 16 contiguous block entries likewise form a contiguous hint.
		s = s.With(itemSz + 4)
	}
	return s
}

func (f *Format) EntryNumContigLg2(state *ptfmt.State) uint {
	if state.Kind != ptfmt.OA {
		return 0
	}
	if uint64(state.Entry)&(1<<bitContig) == 0 {
		return 0
	}
	return 4
}

func (f *Format) addr(state *ptfmt.State) uintptr {
	return state.EntryAddr(entryWordLen)
}

func (f *Format) LoadEntryRaw(state *ptfmt.State) ptfmt.EntryKind {
	word := ptfmt.LoadRaw64(f.addr(state))
	state.Entry = ptfmt.Descriptor(word)

	if word&(1<<bitValid) == 0 {
		state.Kind = ptfmt.Empty
		return ptfmt.Empty
	}

	isTableBit := word&(1<<bitPageTable) != 0

	if state.Level == 0 {
		// At level 0 a valid entry is always a leaf (page descriptor);
		// the "table" bit here instead distinguishes page (1) from
		// reserved (0), which upstream treats as present regardless.
		state.Kind = ptfmt.OA
		return ptfmt.OA
	}

	if isTableBit {
		state.Kind = ptfmt.Table
		state.Child = uintptr(word & maskOA48)
		return ptfmt.Table
	}

	state.Kind = ptfmt.OA
	return ptfmt.OA
}

func (f *Format) InstallLeafEntry(state *ptfmt.State, oa uint64, lg2sz uint, attrs ptfmt.Attrs) {
	itemSz := f.TableItemLg2Sz(state.Level)

	word := uint64(1 << bitValid)
	if state.Level == 0 {
		word |= 1 << bitPageTable // page descriptor
	}
	word |= oa & maskOA48
	word |= attrs.Raw

	if lg2sz != itemSz {
		word |= 1 << bitContig
	}

	ptfmt.StoreRaw64(f.addr(state), word)
	state.Entry = ptfmt.Descriptor(word)
	state.Kind = ptfmt.OA
}

func (f *Format) InstallTable(state *ptfmt.State, tablePA uintptr, attrs ptfmt.Attrs) bool {
	old := uint64(state.Entry)

	word := uint64(1<<bitValid | 1<<bitPageTable)
	word |= uint64(tablePA) & maskOA48

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
	return uintptr(uint64(state.Entry) & maskOA48)
}

func (f *Format) EntryOA(state *ptfmt.State) uint64 {
	return uint64(state.Entry) & maskOA48
}

func (f *Format) TablePtr(state *ptfmt.State) uintptr {
	return state.Child
}

func (f *Format) AttrFromEntry(state *ptfmt.State) ptfmt.Attrs {
	word := uint64(state.Entry)

	var prot ptfmt.Prot
	prot |= ptfmt.ProtRead

	ap := (word >> shiftAP) & maskAP
	if f.Stage2 {
		if ap&0x2 != 0 {
			prot |= ptfmt.ProtWrite
		}
	} else if ap&0x2 == 0 {
		prot |= ptfmt.ProtWrite
	}
	if word&(1<<bitUXN) == 0 {
		prot |= ptfmt.ProtExec
	}

	mask := uint64(maskSH<<shiftSH | 1<<bitAF | 1<<bitNG | maskAP<<shiftAP |
		maskAttrIx<<shiftAttrIx | 1<<bitUXN | 1<<bitPXN | 1<<bitDBM)

	return ptfmt.Attrs{Prot: prot, Raw: word & mask}
}

func (f *Format) IommuSetProt(prot ptfmt.Prot) ptfmt.Attrs {
	raw := uint64(1<<bitAF) | uint64(0x3<<shiftSH) // inner-shareable, access flag set

	ap := uint64(0x2) // PL1/PL0 read-only by default (stage-1 AP encoding)
	if prot&ptfmt.ProtWrite != 0 {
		if f.Stage2 {
			ap = 0x3
		} else {
			ap = 0x0
		}
	} else if f.Stage2 {
		ap = 0x1
	}
	raw |= ap << shiftAP

	if prot&ptfmt.ProtExec == 0 {
		raw |= 1 << bitUXN
		raw |= 1 << bitPXN
	}

	return ptfmt.Attrs{Prot: prot, Raw: raw}
}

func (f *Format) EntryWriteIsDirty(state *ptfmt.State) bool {
	word := uint64(state.Entry)
	if word&(1<<bitDBM) == 0 {
		return false
	}
	// When DBM is set, AP[2] (the high AP bit) clear means writable and
	// not yet written-back-dirty-cleared; HW clears it on first write.
	ap := (word >> shiftAP) & maskAP
	return ap&0x2 == 0
}

func (f *Format) EntrySetWriteClean(state *ptfmt.State) {
	addr := f.addr(state)
	for {
		old := ptfmt.LoadRaw64(addr)
		ap := (old >> shiftAP) & maskAP
		clean := (old &^ (maskAP << shiftAP)) | ((ap | 0x2) << shiftAP)
		if ptfmt.CASRaw64(addr, old, clean) {
			return
		}
	}
}

func (f *Format) EntryMakeWriteDirty(state *ptfmt.State) {
	addr := f.addr(state)
	for {
		old := ptfmt.LoadRaw64(addr)
		ap := (old >> shiftAP) & maskAP
		dirty := (old &^ (maskAP << shiftAP)) | ((ap &^ 0x2) << shiftAP)
		if ptfmt.CASRaw64(addr, old, dirty) {
			return
		}
	}
}

func (f *Format) FullVAPrefix() log2.FullVAPrefix {
	return log2.PrefixZero
}

func (f *Format) SupportedFeatures() ptfmt.Feature {
	feat := ptfmt.FeatDynamicTop | ptfmt.FeatFullVA | ptfmt.FeatDMAIncoherentWalk
	if f.Stage2 {
		feat |= armv8Stage2
	}
	return feat
}

// armv8Stage2 is the format-specific feature flag for the stage-2 (nested
// virtualisation second-stage) attribute variant.
const armv8Stage2 ptfmt.Feature = ptfmt.FeatFormatSpecific << 0
