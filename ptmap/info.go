package ptmap

import "github.com/gptcore/iommupt/ptfmt"

// Info summarises the static and current-state properties a caller needs
// to pick mapping sizes and size its own bookkeeping (spec.md §4.7's
// get_info).
type Info struct {
	// PageSizes is the bitmap of leaf sizes representable anywhere in
	// the tree, clamped to the format's current MaxOALg2 cap: a size
	// whose OA field would not fit under the cap is excluded even if
	// the level geometry could otherwise represent it.
	PageSizes ptfmt.SizeSet
	// MaxVALg2, MaxOALg2 are this Engine's current caps.
	MaxVALg2, MaxOALg2 uint
	// TopLevel is the root level currently published.
	TopLevel int
	// OutstandingPages is the number of table pages presently
	// allocated from the pool (interior tables only; leaves are not
	// separately allocated).
	OutstandingPages int
}

// GetInfo reports the natively representable page sizes (considering both
// per-level geometry and the current MaxOALg2 cap) plus the engine's
// current top level and outstanding table-page count.
func (e *Engine) GetInfo() Info {
	var sizes ptfmt.SizeSet
	maxOA := e.Format.MaxOALg2()

	for level := 0; level <= e.Format.MaxTopLevel(); level++ {
		if !e.Format.CanHaveLeaf(level) {
			continue
		}
		for k := uint(0); k < 64; k++ {
			if !e.Format.PossibleSizes(level).Has(k) {
				continue
			}
			if k > maxOA {
				continue
			}
			sizes = sizes.With(k)
		}
	}

	_, level := e.Top.Load()

	return Info{
		PageSizes:        sizes,
		MaxVALg2:         e.Format.MaxVALg2(),
		MaxOALg2:         maxOA,
		TopLevel:         level,
		OutstandingPages: e.Pool.Outstanding(),
	}
}
