// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package armv7 implements the ARM VMSAv7 short-descriptor page table
// format (spec.md §6): 32-bit descriptors, an L1 table of sections or
// supersections, and an L1-referenced L2 table of small or large pages.
// Grounded on arm/mmu.go's TTE_SECTION_1MB/TTE_SECTION_16MB/TTE_AP_*
// constants, generalised from that file's flat 1:1 section mapping to a
// two-level radix walk with an L2 page table option.
package armv7

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

// L1 descriptor type, bits[1:0].
const (
	l1Fault       = 0b00
	l1PageTable   = 0b01
	l1Section     = 0b10
	bitSuperSect  = 1 << 18
	bitL1NS       = 1 << 19
	bitL1XN       = 1 << 4
	shiftL1APLo   = 10
	maskL1APLo    = 0x3
	bitL1APX      = 1 << 15
	bitL1C        = 1 << 3
	bitL1B        = 1 << 2
	shiftSection  = 20
	shiftSuperSec = 24
)

// L2 descriptor type, bits[1:0].
const (
	l2Fault      = 0b00
	l2Large      = 0b01
	l2SmallXN    = 0b10
	l2Small      = 0b11
	bitL2XNSmall = 1 << 0
	shiftL2APLo  = 4
	maskL2APLo   = 0x3
	bitL2APX     = 1 << 9
	bitL2C       = 1 << 3
	bitL2B       = 1 << 2
	shiftSmall   = 12
	shiftLarge   = 16
)

const (
	entryWordLen = 4
	maxTopLevel  = 1 // level 1 = L1 table, level 0 = L2 table / section leaf
)

// Format is the ARMv7 short-descriptor codec.
type Format struct {
	// NS selects the non-secure table bit on L1 entries.
	NS bool
	// TTBR1 marks a high-half (TTBR1) table: FullVAPrefix then reports
	// PrefixOnes and SupportedFeatures includes FeatFullVA. Installing
	// the table into the chosen TTBR is left to the driver.
	TTBR1 bool
}

var _ ptfmt.Format = (*Format)(nil)

func (f *Format) MaxTopLevel() int    { return maxTopLevel }
func (f *Format) GranuleLg2Sz() uint  { return 12 }
func (f *Format) TableMemLg2Sz() uint { return 14 } // 16KB L1 table; an L2 table uses its first 1KB
func (f *Format) EntryWordSize() uint { return entryWordLen }
func (f *Format) MaxVALg2() uint      { return 32 }
func (f *Format) MaxOALg2() uint      { return 32 }

func (f *Format) NumItemsLg2(level int) uint {
	if level == 1 {
		return 12 // 4096 L1 entries, 16KB table
	}
	return 8 // 256 L2 entries, 1KB table (word-addressed, not page-sized)
}

func (f *Format) TableItemLg2Sz(level int) uint {
	if level == 1 {
		return 20 // 1 MiB per L1 entry
	}
	return 12 // 4 KiB per L2 entry
}

func (f *Format) CanHaveLeaf(level int) bool {
	return true
}

func (f *Format) PossibleSizes(level int) ptfmt.SizeSet {
	var s ptfmt.SizeSet
	if level == 1 {
		s = s.With(20) // section, 1 MiB
		s = s.With(24) // supersection, 16 MiB
	} else {
		s = s.With(12) // small page, 4 KiB
		s = s.With(16) // large page, 64 KiB
	}
	return s
}

func (f *Format) EntryNumContigLg2(state *ptfmt.State) uint {
	if state.Kind != ptfmt.OA {
		return 0
	}
	word := uint32(state.Entry)
	if state.Level == 1 {
		if word&bitSuperSect != 0 {
			return 4 // 16 contiguous 1MB indices form one 16MB supersection
		}
		return 0
	}
	if word&0x3 == l2Large {
		return 4 // 16 contiguous 4KB indices form one 64KB large page
	}
	return 0
}

func (f *Format) addr(state *ptfmt.State) uintptr {
	return state.EntryAddr(entryWordLen)
}

func (f *Format) LoadEntryRaw(state *ptfmt.State) ptfmt.EntryKind {
	word := ptfmt.LoadRaw32(f.addr(state))
	state.Entry = ptfmt.Descriptor(word)

	if state.Level == 1 {
		switch word & 0x3 {
		case l1Fault:
			state.Kind = ptfmt.Empty
		case l1PageTable:
			state.Kind = ptfmt.Table
			state.Child = uintptr(word &^ 0x3ff)
		default: // section or supersection
			state.Kind = ptfmt.OA
		}
		return state.Kind
	}

	switch word & 0x3 {
	case l2Fault:
		state.Kind = ptfmt.Empty
	default:
		state.Kind = ptfmt.OA
	}
	return state.Kind
}

// Each descriptor type (section/supersection, small page, large page)
// places AP/XN/C/B at different bit positions, so no attribute word is
// pre-encoded: InstallLeafEntry derives the right one from Attrs.Prot via
// attrsL1 or attrsL2, based on level and size.
func attrsL1(prot ptfmt.Prot) uint32 {
	var word uint32
	ap := uint32(0b01)
	word |= ap << shiftL1APLo
	if prot&ptfmt.ProtWrite == 0 {
		word |= bitL1APX
	}
	if prot&ptfmt.ProtExec == 0 {
		word |= bitL1XN
	}
	if prot&ptfmt.ProtCache != 0 {
		word |= bitL1C | bitL1B
	}
	return word
}

func attrsL2(prot ptfmt.Prot, small bool) uint32 {
	var word uint32
	ap := uint32(0b01)
	word |= ap << shiftL2APLo
	if prot&ptfmt.ProtWrite == 0 {
		word |= bitL2APX
	}
	if prot&ptfmt.ProtCache != 0 {
		word |= bitL2C | bitL2B
	}
	if small && prot&ptfmt.ProtExec == 0 {
		word |= bitL2XNSmall
	}
	return word
}

func (f *Format) InstallLeafEntry(state *ptfmt.State, oa uint64, lg2sz uint, attrs ptfmt.Attrs) {
	var word uint32

	if state.Level == 1 {
		if lg2sz == 24 {
			word = uint32(oa) &^ ((1 << shiftSuperSec) - 1)
			word |= bitSuperSect | l1Section
		} else {
			word = uint32(oa) &^ ((1 << shiftSection) - 1)
			word |= l1Section
		}
		if f.NS {
			word |= bitL1NS
		}
		word |= attrsL1(attrs.Prot)
	} else {
		small := lg2sz != 16
		if !small {
			word = uint32(oa) &^ ((1 << shiftLarge) - 1)
			word |= l2Large
		} else {
			word = uint32(oa) &^ ((1 << shiftSmall) - 1)
			word |= l2Small
		}
		word |= attrsL2(attrs.Prot, small)
	}

	ptfmt.StoreRaw32(f.addr(state), word)
	state.Entry = ptfmt.Descriptor(word)
	state.Kind = ptfmt.OA
}

func (f *Format) InstallTable(state *ptfmt.State, tablePA uintptr, attrs ptfmt.Attrs) bool {
	old := uint32(state.Entry)

	word := uint32(tablePA) &^ 0x3ff
	word |= l1PageTable
	if f.NS {
		word |= bitL1NS
	}

	ok := ptfmt.CASRaw32(f.addr(state), old, word)
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
		ptfmt.StoreRaw32(addr, 0)
	}
	state.Entry = 0
	state.Kind = ptfmt.Empty
}

func (f *Format) TablePA(state *ptfmt.State) uintptr {
	return uintptr(uint32(state.Entry) &^ 0x3ff)
}

func (f *Format) EntryOA(state *ptfmt.State) uint64 {
	word := uint32(state.Entry)
	if state.Level == 1 {
		if word&bitSuperSect != 0 {
			return uint64(word &^ ((1 << shiftSuperSec) - 1))
		}
		return uint64(word &^ ((1 << shiftSection) - 1))
	}
	if word&0x3 == l2Large {
		return uint64(word &^ ((1 << shiftLarge) - 1))
	}
	return uint64(word &^ ((1 << shiftSmall) - 1))
}

func (f *Format) TablePtr(state *ptfmt.State) uintptr {
	return state.Child
}

func (f *Format) AttrFromEntry(state *ptfmt.State) ptfmt.Attrs {
	word := uint32(state.Entry)
	var prot ptfmt.Prot
	prot |= ptfmt.ProtRead

	var apx bool
	if state.Level == 1 {
		apx = word&bitL1APX != 0
		if word&bitL1XN == 0 {
			prot |= ptfmt.ProtExec
		}
		if word&(bitL1C|bitL1B) != 0 {
			prot |= ptfmt.ProtCache
		}
	} else {
		apx = word&bitL2APX != 0
		if word&0x3 == l2Small && word&bitL2XNSmall == 0 {
			prot |= ptfmt.ProtExec
		}
		if word&(bitL2C|bitL2B) != 0 {
			prot |= ptfmt.ProtCache
		}
	}
	if !apx {
		prot |= ptfmt.ProtWrite
	}

	return ptfmt.Attrs{Prot: prot, Raw: uint64(word) & 0xfff}
}

func (f *Format) IommuSetProt(prot ptfmt.Prot) ptfmt.Attrs {
	// Raw is left empty: InstallLeafEntry re-derives the level/size
	// specific attribute word from Prot, since L1 and L2 descriptors
	// place AP/XN/C/B at different bit positions.
	return ptfmt.Attrs{Prot: prot}
}

func (f *Format) EntryWriteIsDirty(state *ptfmt.State) bool {
	// ARMv7 short-descriptor has no hardware dirty-bit tracking.
	return false
}

func (f *Format) EntrySetWriteClean(state *ptfmt.State) {}
func (f *Format) EntryMakeWriteDirty(state *ptfmt.State) {}

func (f *Format) FullVAPrefix() log2.FullVAPrefix {
	if f.TTBR1 {
		return log2.PrefixOnes
	}
	return log2.PrefixZero
}

func (f *Format) SupportedFeatures() ptfmt.Feature {
	feat := ptfmt.Feature(0)
	if f.TTBR1 {
		feat |= ptfmt.FeatFullVA
	}
	return feat
}
