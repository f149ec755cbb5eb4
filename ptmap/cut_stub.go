//go:build !gptdebug

package ptmap

// CutMapping is only available when this module is built with the
// gptdebug build tag, mirroring spec.md §4.5's "only available if
// debug-generic-pt support compiled in": the split logic walks and
// rewrites descriptors outside of the normal map/unmap fast paths, so
// production builds that never call it don't pay for it.
func (e *Engine) CutMapping(iova, size uint64) error {
	return ErrNotSupported
}
