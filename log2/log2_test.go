package log2

import "testing"

func TestToIntToMax(t *testing.T) {
	cases := []struct {
		n        uint
		wantInt  uint64
		wantMax  uint64
	}{
		{0, 1, 0},
		{1, 2, 1},
		{12, 4096, 4095},
		{63, 1 << 63, (1 << 63) - 1},
	}

	for _, c := range cases {
		if got := ToInt[uint64](c.n); got != c.wantInt {
			t.Errorf("ToInt(%d) = %#x, want %#x", c.n, got, c.wantInt)
		}
		if got := ToMax[uint64](c.n); got != c.wantMax {
			t.Errorf("ToMax(%d) = %#x, want %#x", c.n, got, c.wantMax)
		}
	}
}

func TestDivModMul(t *testing.T) {
	a := uint64(0x1234_5678)

	if got := Div(a, 12); got != a>>12 {
		t.Errorf("Div = %#x, want %#x", got, a>>12)
	}
	if got := Mod(a, 12); got != a&0xfff {
		t.Errorf("Mod = %#x, want %#x", got, a&0xfff)
	}
	if got := Mul[uint64](1, 12); got != 0x1000 {
		t.Errorf("Mul = %#x, want 0x1000", got)
	}
}

func TestDivEq(t *testing.T) {
	if !DivEq(uint64(0x1000), uint64(0x1fff), 12) {
		t.Error("DivEq should hold across the same 4K page")
	}
	if DivEq(uint64(0x1000), uint64(0x2000), 12) {
		t.Error("DivEq should not hold across a page boundary")
	}
}

func TestModEqMaxAndSetModMax(t *testing.T) {
	if !ModEqMax(uint64(0xfff), 12) {
		t.Error("0xfff should be all-ones in the low 12 bits")
	}
	if got := SetModMax(uint64(0x1000), 12); got != 0x1fff {
		t.Errorf("SetModMax = %#x, want 0x1fff", got)
	}
}

func TestSetMod(t *testing.T) {
	got := SetMod(uint64(0xdead_b000), uint64(0x456), 12)
	if got != 0xdead_b456 {
		t.Errorf("SetMod = %#x, want 0xdead_b456", got)
	}
}

func TestFlsFfsFfz(t *testing.T) {
	cases := []struct {
		v        uint64
		fls, ffs int
	}{
		{0, -1, -1},
		{1, 0, 0},
		{0x8000_0000_0000_0000, 63, 63},
		{0b0110, 2, 1},
	}

	for _, c := range cases {
		if got := Fls(c.v); got != c.fls {
			t.Errorf("Fls(%#x) = %d, want %d", c.v, got, c.fls)
		}
		if got := Ffs(c.v); got != c.ffs {
			t.Errorf("Ffs(%#x) = %d, want %d", c.v, got, c.ffs)
		}
	}

	if got := Ffz(uint64(0)); got != 0 {
		t.Errorf("Ffz(0) = %d, want 0", got)
	}
	if got := Ffz(uint64(0xff)); got != 8 {
		t.Errorf("Ffz(0xff) = %d, want 8", got)
	}
}

func TestSignExtend(t *testing.T) {
	if got := SignExtend(uint64(0x1fff), 12, PrefixZero); got != 0xfff {
		t.Errorf("SignExtend zero-prefix = %#x, want 0xfff", got)
	}
	got := SignExtend(uint64(0xfff), 12, PrefixOnes)
	want := ^uint64(0xfff) | 0xfff
	if got != want {
		t.Errorf("SignExtend ones-prefix = %#x, want %#x", got, want)
	}
}
