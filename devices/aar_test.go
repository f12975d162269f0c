package devices_test

import (
	"crypto/aes"
	"testing"

	"nrfhw/devices"
	"nrfhw/irq"
	"nrfhw/memimg"
	"nrfhw/scheduler"
)

func newTestAAR(t *testing.T) (*devices.AAR, *scheduler.Scheduler, *memimg.Image, *recordingPublisher) {
	t.Helper()
	sch := scheduler.New()
	img := memimg.New(make([]byte, 8192))
	agg := irq.New(&noopSink{})
	pub := &recordingPublisher{}
	a := devices.NewAAR("AAR", img, sch, 1, agg, 15, pub)
	a.BindEventIDs(1, 2, 3)
	return a, sch, img, pub
}

// ahReference computes the same ah() function as devices.ahMatches, used
// here only to construct a matching hash for test fixtures.
func ahReference(irk, prand []byte) []byte {
	block, _ := aes.NewCipher(irk)
	var in, out [16]byte
	copy(in[13:], prand)
	block.Encrypt(out[:], in[:])
	return out[13:16]
}

// TestAARResolvesAtSecondKey is spec.md §8 scenario S4: NIRK=3, key index
// 1 matches. END fires at now+1+6*2=13us, STATUS=1, RESOLVED raised,
// NOTRESOLVED not raised.
func TestAARResolvesAtSecondKey(t *testing.T) {
	a, sch, img, pub := newTestAAR(t)

	prand := []byte{0x40, 0x11, 0x22} // top two bits 0b01: resolvable
	matchingIRK := make([]byte, 16)
	for i := range matchingIRK {
		matchingIRK[i] = byte(0xA0 + i)
	}
	hash := ahReference(matchingIRK, prand)

	irkBase := uint32(0x1000)
	img.At(irkBase).WriteBytes(make([]byte, 16))                  // key 0: non-matching (zeros)
	img.At(irkBase + 16).WriteBytes(matchingIRK)                  // key 1: matches
	img.At(irkBase + 32).WriteBytes(make([]byte, 16))              // key 2: non-matching

	addrBase := uint32(0x2000)
	addr := append(append([]byte{}, prand...), hash...)
	img.At(addrBase + 3).WriteBytes(addr)

	mustWriteAAR(t, a, 0x504, 3)       // NIRK=3
	mustWriteAAR(t, a, 0x508, irkBase) // IRKPTR
	mustWriteAAR(t, a, 0x50C, addrBase) // ADDRPTR
	mustWriteAAR(t, a, 0x500, 3)       // ENABLE=3
	mustWriteAAR(t, a, 0x000, 1)       // TASKS_START

	sch.RunUntil(100)

	if sch.Now() != 13 {
		t.Fatalf("END/RESOLVED fired at t=%d, want 13", sch.Now())
	}
	status, _ := a.HandleRead(0x400)
	if status != 1 {
		t.Fatalf("STATUS = %d, want 1", status)
	}
	if len(pub.events) != 2 || pub.events[0] != 1 || pub.events[1] != 2 {
		t.Fatalf("published events = %v, want [END(1), RESOLVED(2)]", pub.events)
	}
}

func TestAARNonResolvableAddressSkipsScan(t *testing.T) {
	a, sch, img, pub := newTestAAR(t)

	addrBase := uint32(0x2000)
	// top two bits != 0b01: not a resolvable private address.
	addr := []byte{0x00, 0x11, 0x22, 0x00, 0x00, 0x00}
	img.At(addrBase + 3).WriteBytes(addr)

	mustWriteAAR(t, a, 0x504, 5) // NIRK=5
	mustWriteAAR(t, a, 0x50C, addrBase)
	mustWriteAAR(t, a, 0x500, 3)
	mustWriteAAR(t, a, 0x000, 1)

	sch.RunUntil(100)

	if sch.Now() != 1+6*5 {
		t.Fatalf("END fired at t=%d, want %d", sch.Now(), 1+6*5)
	}
	if len(pub.events) != 2 || pub.events[1] != 3 {
		t.Fatalf("published events = %v, want [END(1), NOTRESOLVED(3)]", pub.events)
	}
}

func mustWriteAAR(t *testing.T, a *devices.AAR, offset, value uint32) {
	t.Helper()
	if err := a.HandleWrite(offset, value); err != nil {
		t.Fatalf("HandleWrite(0x%x, 0x%x): %v", offset, value, err)
	}
}
