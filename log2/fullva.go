package log2

// FullVAPrefix is the fixed high-bits prefix a full-VA format selects: either
// all zero (low-half table, range [0, 2^n)) or all one (high-half table,
// range [VA_MAX-2^n+1, VA_MAX]).
type FullVAPrefix uint64

const (
	PrefixZero FullVAPrefix = 0
	PrefixOnes FullVAPrefix = ^FullVAPrefix(0)
)

// SignExtend replaces every bit at or above position n with the sign bit
// implied by prefix, matching how full-VA formats (e.g. TTBR1 tables)
// canonicalise addresses above their represented width.
func SignExtend[T Unsigned](a T, n uint, prefix FullVAPrefix) T {
	if prefix == PrefixZero {
		return Mod(a, n)
	}
	return a | ^ToMax[T](n)
}
