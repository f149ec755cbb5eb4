package ptmap

import "errors"

// Sentinel errors returned by Engine operations (spec.md §7's Kind set,
// minus the internal-only race-retry kind which never escapes an Engine
// method: every CAS loss is retried in place).
var (
	// ErrInvalidArgument is returned for misaligned iova/oa/size, or a
	// size that does not decompose into any representable leaf.
	ErrInvalidArgument = errors.New("ptmap: invalid argument")
	// ErrOutOfRange is returned when iova or iova+size falls outside the
	// format's representable VA space.
	ErrOutOfRange = errors.New("ptmap: out of range")
	// ErrOutOfMemory is returned when the table page pool cannot satisfy
	// an intermediate table allocation.
	ErrOutOfMemory = errors.New("ptmap: out of memory")
	// ErrInUse is returned by MapRange when the target range already has
	// a mapping.
	ErrInUse = errors.New("ptmap: range already mapped")
	// ErrNotSupported is returned by CutMapping in binaries built
	// without the gptdebug build tag.
	ErrNotSupported = errors.New("ptmap: operation not supported by format")
	// ErrTranslationMissing is returned by IovaToPhys when no mapping
	// covers the queried address.
	ErrTranslationMissing = errors.New("ptmap: no translation for iova")
)
