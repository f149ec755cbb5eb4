// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ptfmt defines the per-format contract (C3): the set of operations
// a concrete table format (AMD v1, ARM VMSAv8-64, ARM VMSAv7, Apple DART,
// Intel VT-d, x86 PAE) must implement to participate in the generic walker
// and map/unmap engine. Only this package, and the format subpackages
// beneath it, know about raw descriptor bit layouts.
package ptfmt

// EntryKind classifies what a loaded descriptor currently represents.
type EntryKind int

const (
	Empty EntryKind = iota
	OA
	Table
)

func (k EntryKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case OA:
		return "oa"
	case Table:
		return "table"
	default:
		return "invalid"
	}
}

// Prot is the caller-facing permission/attribute request, round-tripped
// through a format's descriptor encoding by AttrFromEntry/IommuSetProt.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtCache
	ProtPrivileged
	ProtNoExec
)

// Attrs is an opaque, format-owned attribute bundle. The core never
// inspects it directly; it only threads it between IommuSetProt,
// InstallLeafEntry and AttrFromEntry.
type Attrs struct {
	Prot Prot
	// Raw carries whatever bit pattern the format's IommuSetProt
	// produced; InstallLeafEntry ORs it into the descriptor verbatim.
	Raw uint64
}

// SizeSet is a bitmap of representable leaf sizes: bit k set means a leaf
// of 2^k bytes can be installed at the level that produced this set.
type SizeSet uint64

// Has reports whether lg2sz is a representable size.
func (s SizeSet) Has(lg2sz uint) bool {
	if lg2sz >= 64 {
		return false
	}
	return s&(1<<lg2sz) != 0
}

// With returns s with lg2sz added.
func (s SizeSet) With(lg2sz uint) SizeSet {
	return s | (1 << lg2sz)
}

// Largest returns the highest representable size not exceeding maxLg2, and
// whether one exists.
func (s SizeSet) Largest(maxLg2 uint) (uint, bool) {
	for k := maxLg2; ; k-- {
		if s.Has(k) {
			return k, true
		}
		if k == 0 {
			break
		}
	}
	return 0, false
}

// Descriptor is the raw per-entry word, 32 or 64 bits depending on format;
// it is always carried as a uint64 with the unused high bits zero for
// narrower formats.
type Descriptor uint64

// Feature is a bit in Common.Features (spec.md §3).
type Feature uint32

const (
	FeatDMAIncoherentWalk Feature = 1 << iota
	FeatOASizeChangeInPlace
	FeatOATableExchangeInPlace
	FeatFullVA
	FeatDynamicTop
	// Format-specific flags occupy the remaining bits; formats define
	// their own named constants starting at FeatFormatSpecific.
	FeatFormatSpecific Feature = 1 << 16
)
