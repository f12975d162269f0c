package memimg_test

import (
	"testing"

	"nrfhw/memimg"
)

func TestReadWriteBytesRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	im := memimg.New(buf)
	p := im.At(4)

	p.WriteBytes([]byte{1, 2, 3})
	got := p.ReadBytes(3)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("ReadBytes = %v, want [1 2 3]", got)
	}
	if buf[4] != 1 || buf[5] != 2 || buf[6] != 3 {
		t.Fatalf("underlying buffer not mutated in place: %v", buf)
	}
}

func TestOffsetAdvancesAddress(t *testing.T) {
	im := memimg.New(make([]byte, 16))
	p := im.At(4).Offset(2)
	if p.Addr() != 6 {
		t.Fatalf("Addr = %d, want 6", p.Addr())
	}
}

func TestValidRejectsNullAddress(t *testing.T) {
	im := memimg.New(make([]byte, 16))
	if im.At(0).Valid() {
		t.Fatalf("address 0 must be treated as not-configured")
	}
	if !im.At(4).Valid() {
		t.Fatalf("non-zero address against a real image must be valid")
	}
}

func TestCheckBoundsCatchesOverrun(t *testing.T) {
	im := memimg.New(make([]byte, 8))
	if err := im.At(4).CheckBounds(4); err != nil {
		t.Fatalf("unexpected error for in-bounds access: %v", err)
	}
	if err := im.At(4).CheckBounds(5); err == nil {
		t.Fatalf("expected error for access past end of image")
	}
}
