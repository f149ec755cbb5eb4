// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package log2 provides overflow-safe bit arithmetic on unsigned integers,
// parameterised by a compile-time log2 magnitude. The page table core uses
// these instead of native shifts so that behaviour at the extremes (n=0,
// n=word bits) stays defined.
package log2

import "golang.org/x/exp/constraints"

// Unsigned is any unsigned integer width the core operates on.
type Unsigned interface {
	constraints.Unsigned
}

// ToInt returns 1<<n.
func ToInt[T Unsigned](n uint) T {
	return T(1) << n
}

// ToMax returns (1<<n)-1, the all-ones mask of the low n bits.
func ToMax[T Unsigned](n uint) T {
	if n == 0 {
		return 0
	}
	return ToInt[T](n) - 1
}

// Div returns a>>n.
func Div[T Unsigned](a T, n uint) T {
	return a >> n
}

// Mod returns a & ToMax(n), the low n bits of a.
func Mod[T Unsigned](a T, n uint) T {
	return a & ToMax[T](n)
}

// Mul returns a<<n.
func Mul[T Unsigned](a T, n uint) T {
	return a << n
}

// DivEq reports whether a and b share identical bits above position n.
func DivEq[T Unsigned](a, b T, n uint) bool {
	return Div(a, n) == Div(b, n)
}

// ModEqMax reports whether the low n bits of a are all one.
func ModEqMax[T Unsigned](a T, n uint) bool {
	return Mod(a, n) == ToMax[T](n)
}

// SetMod replaces the low n bits of a with the low n bits of v.
func SetMod[T Unsigned](a, v T, n uint) T {
	return (a &^ ToMax[T](n)) | Mod(v, n)
}

// SetModMax sets the low n bits of a to all ones.
func SetModMax[T Unsigned](a T, n uint) T {
	return a | ToMax[T](n)
}

// Fls returns the index (0-based) of the highest set bit, or -1 if a is zero.
func Fls[T Unsigned](a T) int {
	idx := -1
	for a != 0 {
		idx++
		a >>= 1
	}
	return idx
}

// Ffs returns the index (0-based) of the lowest set bit, or -1 if a is zero.
func Ffs[T Unsigned](a T) int {
	if a == 0 {
		return -1
	}
	idx := 0
	for a&1 == 0 {
		idx++
		a >>= 1
	}
	return idx
}

// Ffz returns the index (0-based) of the lowest zero bit.
func Ffz[T Unsigned](a T) int {
	return Ffs(^a)
}
