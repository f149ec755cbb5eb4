package ptfmt

import "sync/atomic"

// LoadRaw32/64 and StoreRaw32/64 give format implementations the
// acquire/release-paired descriptor access spec.md §5 requires, without
// every format hand-rolling atomic casts over unsafe.Pointer.

// LoadRaw64 acquire-loads a 64-bit descriptor word at addr.
func LoadRaw64(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(ptrOf(addr)))
}

// StoreRaw64 release-stores a 64-bit descriptor word at addr.
func StoreRaw64(addr uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(ptrOf(addr)), v)
}

// CASRaw64 is the CAS primitive InstallTable uses to publish a new child
// table pointer without clobbering a racing writer.
func CASRaw64(addr uintptr, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(ptrOf(addr)), old, new)
}

// LoadRaw32 acquire-loads a 32-bit descriptor word at addr.
func LoadRaw32(addr uintptr) uint32 {
	return atomic.LoadUint32((*uint32)(ptrOf32(addr)))
}

// StoreRaw32 release-stores a 32-bit descriptor word at addr.
func StoreRaw32(addr uintptr, v uint32) {
	atomic.StoreUint32((*uint32)(ptrOf32(addr)), v)
}

// CASRaw32 is the 32-bit CAS primitive for formats with a 4-byte descriptor
// (ARM VMSAv7).
func CASRaw32(addr uintptr, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(ptrOf32(addr)), old, new)
}
