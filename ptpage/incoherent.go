package ptpage

// DMAMapper establishes and tears down the identity DMA mapping an
// incoherent table page needs so the IOMMU can walk memory the CPU has not
// yet flushed to. Backends here: UnixDMAMapper (dmasync build tag), which
// msyncs the process's own memory, or NoopDMAMapper on systems where IOMMU
// table walks are cache-coherent.
type DMAMapper interface {
	// MapIdentity must return phys(page) == addr, or an error if the
	// platform cannot guarantee identity mapping for this page.
	MapIdentity(addr uintptr, size uintptr) error
	Unmap(addr uintptr, size uintptr) error
	// Sync issues a dma_sync_single_for_device-equivalent cache flush
	// covering [addr, addr+size).
	Sync(addr uintptr, size uintptr) error
}

// StartIncoherent establishes the page's DMA mapping, marking it
// incoherent and still-flushing. Fails if the DMA layer can't guarantee an
// identity mapping, per spec.md's C2 invariant dma_map(P) = phys(P).
func StartIncoherent[O any](page *Page[O], mapper DMAMapper) error {
	if err := mapper.MapIdentity(page.Addr, page.Size()); err != nil {
		return ErrIdentityMapFailed
	}

	page.incoherent.Store(true)
	page.stillFlushing.Store(true)

	return nil
}

// DoneIncoherentFlush release-stores still_flushing=false once the host has
// completed the HW cache-flush that makes the page visible to the IOMMU.
func DoneIncoherentFlush[O any](page *Page[O], mapper DMAMapper) error {
	if err := mapper.Sync(page.Addr, page.Size()); err != nil {
		return err
	}
	page.markDoneFlushing()
	return nil
}

// StopIncoherentList unmaps DMA for every batch element that is still
// incoherent, walking the free-list chain without additional allocation.
func StopIncoherentList[O any](head *Page[O], mapper DMAMapper) error {
	for page := head; page != nil; page = page.next {
		if !page.Incoherent() {
			continue
		}
		if err := mapper.Unmap(page.Addr, page.Size()); err != nil {
			return err
		}
	}
	return nil
}
