//go:build dmasync && unix

package ptpage

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// UnixDMAMapper implements DMAMapper over a process's own address space by
// issuing msync(2), the closest POSIX equivalent to a cache-maintenance
// operation a userspace test harness can exercise. A real IOMMU driver would
// instead route through its platform's dma_map_single/dma_sync_single_for_device.
type UnixDMAMapper struct{}

func (UnixDMAMapper) MapIdentity(addr uintptr, size uintptr) error {
	// Identity is already guaranteed: the page came from this process's
	// own address space, so phys(P) == addr by construction of the test
	// harness. A real backend would call an IOMMU/DMA API here.
	return nil
}

func (UnixDMAMapper) Unmap(addr uintptr, size uintptr) error {
	return nil
}

func (UnixDMAMapper) Sync(addr uintptr, size uintptr) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return unix.Msync(mem, unix.MS_SYNC)
}
