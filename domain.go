// https://github.com/gptcore/iommupt
//
// Copyright (c) The iommupt Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package iommupt is the public surface (C7): one Domain per translation
// table instance, constructed by a per-format New function
// (NewAMDv1/NewARMv8/NewARMv7/NewDART/NewVTD/NewPAE), exposing
// MapRange/UnmapRange/IovaToPhys/CutMapping/ReadAndClearDirty/SetDirty/
// GetInfo/Deinit the way arm/mmu.go, arm64/mmu.go and amd64/mmu.go each
// expose a uniform cpu.ConfigureMMU()/InitMMU() entrypoint over their own
// format-specific table layout.
package iommupt

import (
	"errors"

	"github.com/gptcore/iommupt/ptfmt"
	"github.com/gptcore/iommupt/ptfmt/amdv1"
	"github.com/gptcore/iommupt/ptfmt/armv7"
	"github.com/gptcore/iommupt/ptfmt/armv8"
	"github.com/gptcore/iommupt/ptfmt/dart"
	"github.com/gptcore/iommupt/ptfmt/pae"
	"github.com/gptcore/iommupt/ptfmt/vtd"
	"github.com/gptcore/iommupt/ptmap"
	"github.com/gptcore/iommupt/ptpage"
)

// Re-exported so callers never need to import ptmap/ptfmt/ptpage directly
// for the common path.
type (
	Prot        = ptfmt.Prot
	Attrs       = ptfmt.Attrs
	Info        = ptmap.Info
	DirtyFlag   = ptmap.DirtyFlag
	DirtyBitmap = ptmap.DirtyBitmap
	DMAMapper   = ptpage.DMAMapper
	HWFlushOps  = ptmap.HWFlushOps
)

const (
	ProtRead       = ptfmt.ProtRead
	ProtWrite      = ptfmt.ProtWrite
	ProtExec       = ptfmt.ProtExec
	ProtCache      = ptfmt.ProtCache
	ProtPrivileged = ptfmt.ProtPrivileged
	ProtNoExec     = ptfmt.ProtNoExec

	DirtyNoClear = ptmap.DirtyNoClear
)

var (
	ErrInvalidArgument    = ptmap.ErrInvalidArgument
	ErrOutOfRange         = ptmap.ErrOutOfRange
	ErrOutOfMemory        = ptmap.ErrOutOfMemory
	ErrInUse              = ptmap.ErrInUse
	ErrNotSupported       = ptmap.ErrNotSupported
	ErrTranslationMissing = ptmap.ErrTranslationMissing

	// ErrNoArena is returned by a New* constructor when Config.Arena is
	// empty: a Domain needs backing memory for its root table before it
	// can exist at all.
	ErrNoArena = errors.New("iommupt: Config.Arena must be non-empty")
)

// Config carries the host-specific wiring a Domain needs at construction:
// backing memory for table pages, and the optional collaborators spec.md
// §1/§6 name as external (DMA incoherence handling, host flush ops).
// Nothing here is parsed from a file/env/flag; the teacher configures
// hardware through typed constructor arguments (dma.Init, cpu.InitMMU),
// and this module follows the same shape.
type Config struct {
	// Arena backs every table page this Domain will ever allocate. The
	// caller guarantees it is not used for anything else for the
	// Domain's lifetime.
	Arena []byte
	// DMA establishes/tears down the identity DMA mapping incoherent
	// table pages need. Defaults to ptpage.NoopDMAMapper{} (coherent
	// walk, the common case for an integrated/software IOMMU model).
	DMA DMAMapper
	// FlushOps is the optional host-provided flush contract (spec.md
	// §6). A nil value leaves dynamic top growth's change_top hook
	// unwired, appropriate for a software-only instance with no real
	// device to notify.
	FlushOps HWFlushOps
}

// Domain is one page-table instance: the Common state of spec.md §3, plus
// the Engine that knows how to mutate it.
type Domain struct {
	engine *ptmap.Engine
}

func newDomain(f ptfmt.Format, cfg Config) (*Domain, error) {
	if len(cfg.Arena) == 0 {
		return nil, ErrNoArena
	}

	pool := &ptpage.Pool[ptmap.TableOwner]{}
	pool.Init(cfg.Arena)

	dma := cfg.DMA
	if dma == nil {
		dma = ptpage.NoopDMAMapper{}
	}

	const rootLevel = 0

	root, err := pool.Alloc(ptmap.TableOwner{Level: rootLevel}, f.TableMemLg2Sz())
	if err != nil {
		return nil, ErrOutOfMemory
	}

	incoherent := f.SupportedFeatures()&ptfmt.FeatDMAIncoherentWalk != 0
	if incoherent {
		if err := ptpage.StartIncoherent(root, dma); err != nil {
			pool.Free(root)
			return nil, err
		}
		if err := ptpage.DoneIncoherentFlush(root, dma); err != nil {
			pool.Free(root)
			return nil, err
		}
	}

	engine := ptmap.NewEngine(f, pool, dma, root.Addr, rootLevel)
	if cfg.FlushOps != nil {
		engine.UseHWFlushOps(cfg.FlushOps)
	}

	return &Domain{engine: engine}, nil
}

// NewAMDv1 constructs a Domain over the AMD IOMMU v1 format. maxOALg2, if
// non-zero, caps the output address size below the format's 52-bit
// default.
func NewAMDv1(cfg Config, maxOALg2 uint) (*Domain, error) {
	return newDomain(&amdv1.Format{MaxOA: maxOALg2}, cfg)
}

// NewARMv8 constructs a Domain over the ARM VMSAv8-64 format. stage2
// selects the stage-2 (nested/IOMMU) attribute encoding over stage-1; lpa
// enables the 52-bit OA (LPA) extension.
func NewARMv8(cfg Config, stage2, lpa bool) (*Domain, error) {
	return newDomain(&armv8.Format{Stage2: stage2, LPA: lpa}, cfg)
}

// NewARMv7 constructs a Domain over the ARM VMSAv7 short-descriptor
// format. ns selects the non-secure table bit; ttbr1 marks a high-half
// (TTBR1) table, whose FullVAPrefix is PrefixOnes.
func NewARMv7(cfg Config, ns, ttbr1 bool) (*Domain, error) {
	return newDomain(&armv7.Format{NS: ns, TTBR1: ttbr1}, cfg)
}

// NewDART constructs a Domain over the Apple DART format. v2 selects the
// wider v2 OA field encoding over v1's.
func NewDART(cfg Config, v2 bool) (*Domain, error) {
	ver := dart.V1
	if v2 {
		ver = dart.V2
	}
	return newDomain(&dart.Format{Ver: ver}, cfg)
}

// NewVTD constructs a Domain over the Intel VT-d second-stage format.
// snoopControl enables the SNP attribute bit.
func NewVTD(cfg Config, snoopControl bool) (*Domain, error) {
	return newDomain(&vtd.Format{SnoopControl: snoopControl}, cfg)
}

// NewPAE constructs a Domain over the x86 PAE format. nx gates whether the
// XD (no-execute) bit is honored by InstallLeafEntry.
func NewPAE(cfg Config, nx bool) (*Domain, error) {
	return newDomain(&pae.Format{NX: nx}, cfg)
}

// MapRange installs a mapping from iova to oa over size bytes with the
// given protection (spec.md §4.5/§4.7).
func (d *Domain) MapRange(iova, oa, size uint64, prot Prot) error {
	return d.engine.MapRange(iova, oa, size, prot)
}

// FlushPending issues the deferred cache-sync for every table page that
// MapRange calls allocated on an incoherent-walk format since the last
// FlushPending. A driver calls this (and then its own IOTLB invalidate)
// before reporting a MapRange call's mappings as visible to the device.
func (d *Domain) FlushPending() error {
	return d.engine.FlushPending()
}

// UnmapRange clears every mapping in [iova, iova+size), returning the
// number of bytes actually unmapped (spec.md §4.5).
func (d *Domain) UnmapRange(iova, size uint64) (uint64, error) {
	return d.engine.UnmapRange(iova, size)
}

// IovaToPhys translates a single iova to its currently mapped output
// address (spec.md §4.5).
func (d *Domain) IovaToPhys(iova uint64) (uint64, error) {
	return d.engine.IovaToPhys(iova)
}

// CutMapping splits any leaf or contiguous run crossing iova or
// iova+size so that neither boundary crosses a single HW-aggregated
// descriptor (spec.md §4.5). Only available in binaries built with the
// gptdebug build tag; otherwise returns ErrNotSupported.
func (d *Domain) CutMapping(iova, size uint64) error {
	return d.engine.CutMapping(iova, size)
}

// ReadAndClearDirty samples (and, unless flags includes DirtyNoClear,
// clears) the HW dirty bit of every leaf in [iova, iova+size) (spec.md
// §4.5).
func (d *Domain) ReadAndClearDirty(iova, size uint64, flags DirtyFlag, bitmap DirtyBitmap) error {
	return d.engine.ReadAndClearDirty(iova, size, flags, bitmap)
}

// SetDirty forces the HW dirty bit for every leaf in [iova, iova+size).
func (d *Domain) SetDirty(iova, size uint64, dirty bool) error {
	return d.engine.SetDirty(iova, size, dirty)
}

// GetInfo reports the natively representable page sizes and current
// engine state (spec.md §4.7).
func (d *Domain) GetInfo() Info {
	return d.engine.GetInfo()
}

// Deinit collects and frees every remaining table page (spec.md §4.7). The
// Domain must not be used for any other operation afterward.
func (d *Domain) Deinit() error {
	return d.engine.Deinit()
}
