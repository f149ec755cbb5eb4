package iommupt_test

import (
	"testing"

	"github.com/gptcore/iommupt"
)

func TestNewAMDv1RoundTrip(t *testing.T) {
	dom, err := iommupt.NewAMDv1(iommupt.Config{Arena: make([]byte, 1<<20)}, 0)
	if err != nil {
		t.Fatalf("NewAMDv1: %v", err)
	}

	const iova, pa, size = 0x200000, 0x800000, 0x200000
	if err := dom.MapRange(iova, pa, size, iommupt.ProtRead|iommupt.ProtWrite); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := dom.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}

	got, err := dom.IovaToPhys(iova + 0xFFF)
	if err != nil {
		t.Fatalf("IovaToPhys: %v", err)
	}
	if want := pa + 0xFFF; got != want {
		t.Errorf("IovaToPhys = %#x, want %#x", got, want)
	}

	info := dom.GetInfo()
	if !info.PageSizes.Has(12) {
		t.Errorf("GetInfo().PageSizes missing granule size")
	}

	if err := dom.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
}

func TestNewWithoutArena(t *testing.T) {
	if _, err := iommupt.NewARMv8(iommupt.Config{}, false, false); err != iommupt.ErrNoArena {
		t.Errorf("NewARMv8 with empty arena = %v, want ErrNoArena", err)
	}
}

func TestNewAllFormatsConstruct(t *testing.T) {
	cfg := func() iommupt.Config { return iommupt.Config{Arena: make([]byte, 1<<16)} }

	if _, err := iommupt.NewAMDv1(cfg(), 0); err != nil {
		t.Errorf("NewAMDv1: %v", err)
	}
	if _, err := iommupt.NewARMv8(cfg(), false, false); err != nil {
		t.Errorf("NewARMv8: %v", err)
	}
	if _, err := iommupt.NewARMv8(cfg(), true, true); err != nil {
		t.Errorf("NewARMv8 stage2/lpa: %v", err)
	}
	if _, err := iommupt.NewARMv7(cfg(), false, false); err != nil {
		t.Errorf("NewARMv7: %v", err)
	}
	if _, err := iommupt.NewDART(cfg(), false); err != nil {
		t.Errorf("NewDART v1: %v", err)
	}
	if _, err := iommupt.NewDART(cfg(), true); err != nil {
		t.Errorf("NewDART v2: %v", err)
	}
	if _, err := iommupt.NewVTD(cfg(), false); err != nil {
		t.Errorf("NewVTD: %v", err)
	}
	if _, err := iommupt.NewPAE(cfg(), true); err != nil {
		t.Errorf("NewPAE: %v", err)
	}
}

func TestUnmapRangeReportsSize(t *testing.T) {
	dom, err := iommupt.NewAMDv1(iommupt.Config{Arena: make([]byte, 1<<16)}, 0)
	if err != nil {
		t.Fatalf("NewAMDv1: %v", err)
	}

	if err := dom.MapRange(0, 0, 0x1000, iommupt.ProtRead); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	unmapped, err := dom.UnmapRange(0, 0x1000)
	if err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if unmapped != 0x1000 {
		t.Errorf("unmapped = %#x, want 0x1000", unmapped)
	}

	if _, err := dom.IovaToPhys(0); err != iommupt.ErrTranslationMissing {
		t.Errorf("IovaToPhys after unmap = %v, want ErrTranslationMissing", err)
	}
}
