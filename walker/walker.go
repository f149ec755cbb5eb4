// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package walker implements the generic radix descent (C4): given a Format
// and a VA range, it visits every descriptor the range touches, narrowing
// the range at each recursion into a child table the same way amd64's
// FindPTE walks PML4->PDPT->PD->PT, but generalised to an arbitrary level
// count and arbitrary per-level geometry instead of a fixed 4-level walk.
//
// Go has no value-level const generics, so unlike a C++ template that would
// monomorphize one walk function per level, this package uses a single
// runtime loop driven by Format's per-level accessors; level-specific
// behaviour is expressed as ordinary conditionals on state.Level rather than
// as separate generated functions.
package walker

import (
	"github.com/gptcore/iommupt/log2"
	"github.com/gptcore/iommupt/ptfmt"
)

// Action is returned by a Visitor to tell Walk how to proceed after
// inspecting one descriptor.
type Action int

const (
	// Stop ends the walk immediately; Walk returns nil.
	Stop Action = iota
	// SkipChild continues the walk at this level without recursing into
	// a Table entry (used when the caller has already handled the whole
	// subtree itself, e.g. whole-table unmap).
	SkipChild
	// Descend recurses into the entry's child table when Kind==Table.
	// If Kind is OA or Empty, it behaves like SkipChild.
	Descend
)

// Visitor is invoked once per descriptor Walk visits, in ascending index
// order at each level. state.Entry/Kind/Child reflect the just-loaded
// descriptor.
type Visitor func(state *ptfmt.State) (Action, error)

// Index returns the entry index at level that va decodes to.
func Index(f ptfmt.Format, level int, va uint64) uint {
	shift := f.TableItemLg2Sz(level)
	return uint(log2.Mod(log2.Div(va, shift), f.NumItemsLg2(level)))
}

// VAAtIndex returns the VA of the first byte covered by index at level,
// given the VA of the table's first byte (the value naturally accumulates
// across recursive calls rather than being recomputed from an absolute
// root VA, since intermediate tables have no single fixed base VA of their
// own outside the path taken to reach them).
func VAAtIndex(f ptfmt.Format, level int, tableBaseVA uint64, index uint) uint64 {
	return tableBaseVA + uint64(index)<<f.TableItemLg2Sz(level)
}

// LastIndex returns the index of the last byte of [va, end] within a table
// at level whose first entry covers tableBaseVA, clamped to the table's
// own last index.
func LastIndex(f ptfmt.Format, level int, tableBaseVA uint64, end uint64) uint {
	itemSz := f.TableItemLg2Sz(level)
	maxIdx := uint(log2.ToMax[uint64](f.NumItemsLg2(level)))
	if end < tableBaseVA {
		return 0
	}
	idx := uint(log2.Div(end-tableBaseVA, itemSz))
	if idx > maxIdx {
		return maxIdx
	}
	return idx
}

// Walk visits every descriptor in [vaStart, vaEnd] (inclusive) reachable
// from the table at (top, topLevel, topBaseVA), recursing into Table
// entries whenever visit returns Descend.
func Walk(f ptfmt.Format, top uintptr, topLevel int, topBaseVA uint64, vaStart, vaEnd uint64, visit Visitor) error {
	_, err := walkLevel(f, top, topLevel, topBaseVA, vaStart, vaEnd, visit)
	return err
}

// walkLevel reports whether the visitor returned Stop, so that a Stop
// inside a child table also ends every enclosing level's scan.
func walkLevel(f ptfmt.Format, table uintptr, level int, tableBaseVA uint64, vaStart, vaEnd uint64, visit Visitor) (bool, error) {
	startIdx := Index(f, level, vaStart)
	endIdx := LastIndex(f, level, tableBaseVA, vaEnd)
	if startIdx > endIdx {
		return false, nil
	}

	state := &ptfmt.State{
		Table: table,
		Level: level,
		End:   endIdx,
	}

	for idx := startIdx; ; idx++ {
		state.Index = idx
		state.VA = VAAtIndex(f, level, tableBaseVA, idx)

		f.LoadEntryRaw(state)

		action, err := visit(state)
		if err != nil {
			return false, err
		}
		switch action {
		case Stop:
			return true, nil
		case Descend:
			if state.Kind == ptfmt.Table && level > 0 {
				childBaseVA := VAAtIndex(f, level, tableBaseVA, idx)
				childStart := vaStart
				if idx != startIdx {
					childStart = childBaseVA
				}
				childEnd := vaEnd
				nextBoundary := childBaseVA + (uint64(1) << f.TableItemLg2Sz(level))
				if nextBoundary != 0 && nextBoundary-1 < childEnd {
					childEnd = nextBoundary - 1
				}
				stopped, err := walkLevel(f, state.Child, level-1, childBaseVA, childStart, childEnd, visit)
				if err != nil || stopped {
					return stopped, err
				}
			}
		case SkipChild:
		}

		if idx == endIdx {
			break
		}
	}

	return false, nil
}

// BestLeafSize returns the largest leaf size a Format can install at level
// that both fits in PossibleSizes(level) and does not overrun the smaller
// of: the alignment of oa/va, and the remaining length of the range.
func BestLeafSize(f ptfmt.Format, level int, va uint64, oa uint64, remaining uint64) (uint, bool) {
	if remaining == 0 {
		return 0, false
	}

	align := log2.Ffs(va | oa)
	if align < 0 {
		align = 64
	}
	maxLg2 := uint(log2.Fls(remaining))
	if uint(align) < maxLg2 {
		maxLg2 = uint(align)
	}
	return f.PossibleSizes(level).Largest(maxLg2)
}
