package ptfmt

import "unsafe"

// ptrOf and ptrOf32 convert a table-memory address back into a pointer the
// same way dma.block.read/write do: arithmetic on a nil base. The backing
// memory is always kept alive elsewhere (the owning ptpage.Pool's arena),
// so this never outlives its allocation.
func ptrOf(addr uintptr) unsafe.Pointer {
	var base unsafe.Pointer
	return unsafe.Add(base, addr)
}

func ptrOf32(addr uintptr) unsafe.Pointer {
	return ptrOf(addr)
}
