package bus_test

import (
	"testing"

	"nrfhw/bus"
)

type stubDevice struct {
	words map[uint32]uint32
}

func newStubDevice() *stubDevice {
	return &stubDevice{words: make(map[uint32]uint32)}
}

func (d *stubDevice) HandleWrite(offset uint32, value uint32) error {
	d.words[offset] = value
	return nil
}

func (d *stubDevice) HandleRead(offset uint32) (uint32, error) {
	return d.words[offset], nil
}

func TestWriteReadRoundTripsThroughRegisteredDevice(t *testing.T) {
	b := bus.NewMMIOBus()
	dev := newStubDevice()
	b.RegisterDevice(0x40000000, 0x1000, "TEST0", dev)

	if err := b.Write(0x40000010, 0xcafe); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := b.Read(0x40000010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0xcafe {
		t.Fatalf("got = 0x%x, want 0xcafe", got)
	}
	if dev.words[0x10] != 0xcafe {
		t.Fatalf("device saw offset %v, want {0x10: 0xcafe}", dev.words)
	}
}

func TestUnmappedAddressReturnsError(t *testing.T) {
	b := bus.NewMMIOBus()
	if _, err := b.Read(0x50000000); err == nil {
		t.Fatalf("expected error reading an unmapped address")
	}
	if err := b.Write(0x50000000, 1); err == nil {
		t.Fatalf("expected error writing an unmapped address")
	}
}

func TestNilDeviceRegistrationIsIgnored(t *testing.T) {
	b := bus.NewMMIOBus()
	b.RegisterDevice(0x40000000, 0x1000, "NIL0", nil)
	if _, err := b.Read(0x40000000); err == nil {
		t.Fatalf("expected error: nil device must not be mapped")
	}
}
