package nrfhw_test

import (
	"crypto/aes"
	"testing"

	"nrfhw"
	"nrfhw/phy"
	"nrfhw/scheduler"
)

func newTestSimulator(t *testing.T) (*nrfhw.Simulator, *phy.MockConn) {
	t.Helper()
	conn := &phy.MockConn{}
	cfg := nrfhw.DefaultConfig()
	sim := nrfhw.NewSimulatorWithConn(cfg, conn)
	return sim, conn
}

func mustWrite(t *testing.T, sim *nrfhw.Simulator, addr, value uint32) {
	t.Helper()
	if err := sim.Bus.Write(addr, value); err != nil {
		t.Fatalf("Bus.Write(0x%08x, 0x%x): %v", addr, value, err)
	}
}

func mustRead(t *testing.T, sim *nrfhw.Simulator, addr uint32) uint32 {
	t.Helper()
	v, err := sim.Bus.Read(addr)
	if err != nil {
		t.Fatalf("Bus.Read(0x%08x): %v", addr, err)
	}
	return v
}

// TestScenarioS1RadioTxTimeline drives spec.md §8 scenario S1 (BLE 1Mbps
// Tx of an empty advertising PDU) entirely through the MMIO bus, the way
// firmware would, rather than calling devices.Radio directly.
func TestScenarioS1RadioTxTimeline(t *testing.T) {
	sim, _ := newTestSimulator(t)

	const radioBase = 0x40002000
	mustWrite(t, sim, radioBase+0x518, 3<<16) // PCNF1.BALEN=3
	mustWrite(t, sim, radioBase+0x534, 3)     // CRCCNF.LEN=3
	mustWrite(t, sim, radioBase+0x510, 1)     // MODE=1Mbit
	mustWrite(t, sim, radioBase+0x504, 0x1000) // PACKETPTR
	sim.Image.At(0x1000).WriteByte(0x02)         // S0
	sim.Image.At(0x1001).WriteByte(0)            // LEN=0

	mustWrite(t, sim, radioBase+0x000, 1) // TASKS_TXEN
	sim.Run(130)
	mustWrite(t, sim, radioBase+0x008, 1) // TASKS_START
	sim.Run(400)

	wantEnd := scheduler.Time(130 + 1 + 40 + 16 + 24)
	if sim.Sched.Now() != wantEnd {
		t.Fatalf("final event at t=%d, want END at %d", sim.Sched.Now(), wantEnd)
	}
	if mustRead(t, sim, radioBase+0x10C) == 0 {
		t.Fatalf("EVENTS_END not set after Tx completed")
	}
}

// TestScenarioS2RadioRxWithCCMDecrypt is spec.md §8 scenario S2: a
// reception completes, CCM's armed TASKS_CRYPT decryption runs against
// the received packet, and MICSTATUS reports success.
func TestScenarioS2RadioRxWithCCMDecrypt(t *testing.T) {
	sim, conn := newTestSimulator(t)

	const radioBase = 0x40002000
	const ccmBase = 0x40007000

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	const cnfPtr, inPtr, outPtr = 0x2000, 0x3000, 0x4000
	sim.Image.At(cnfPtr).WriteBytes(key)

	plaintext := []byte("hi")
	header := byte(0x02)
	packet := append([]byte{header, byte(len(plaintext)), 0}, plaintext...)
	packet = append(packet, make([]byte, 4)...) // MIC placeholder, filled by encrypt below

	// Encrypt the same way CCM would on the peer side: use TASKS_CRYPT in
	// encryption mode against a scratch input, then feed the resulting
	// ciphertext+MIC back in as the "received" packet for decryption.
	mustWrite(t, sim, ccmBase+0x508, cnfPtr)
	mustWrite(t, sim, ccmBase+0x50C, 0x5000) // scratch INPTR for the encrypt pass
	mustWrite(t, sim, ccmBase+0x510, 0x6000) // scratch OUTPTR
	sim.Image.At(0x5000).WriteByte(header)
	sim.Image.At(0x5001).WriteByte(byte(len(plaintext)))
	sim.Image.At(0x5003).WriteBytes(plaintext)
	mustWrite(t, sim, ccmBase+0x504, 0) // MODE=encryption
	mustWrite(t, sim, ccmBase+0x004, 1) // TASKS_CRYPT
	encrypted := sim.Image.At(0x6000).Offset(3).ReadBytes(len(plaintext) + 4)

	// Now point CCM at the real INPTR/OUTPTR and arm decryption for when
	// the Radio's reception completes.
	sim.Image.At(inPtr).WriteByte(header)
	sim.Image.At(inPtr + 1).WriteByte(byte(len(plaintext) + 4))
	sim.Image.At(inPtr + 3).WriteBytes(encrypted)
	mustWrite(t, sim, ccmBase+0x50C, inPtr)
	mustWrite(t, sim, ccmBase+0x510, outPtr)
	mustWrite(t, sim, ccmBase+0x504, 1) // MODE=decryption
	mustWrite(t, sim, ccmBase+0x004, 1) // TASKS_CRYPT (arms, does not run yet)

	mustWrite(t, sim, radioBase+0x518, 3<<16)
	mustWrite(t, sim, radioBase+0x534, 3)
	mustWrite(t, sim, radioBase+0x510, 1)
	mustWrite(t, sim, radioBase+0x504, 0x1000)
	sim.Image.At(0x1000).WriteByte(0x02)
	sim.Image.At(0x1001).WriteByte(0)

	conn.RxResponses = []phy.RxResponse{{CRCOk: true}}
	mustWrite(t, sim, radioBase+0x004, 1) // TASKS_RXEN
	sim.Run(130)
	mustWrite(t, sim, radioBase+0x008, 1) // TASKS_START
	sim.Run(1000)

	if mustRead(t, sim, ccmBase+0x400) != 1 {
		t.Fatalf("CCM MICSTATUS = 0, want 1 (decryption must succeed against its own ciphertext)")
	}
	got := sim.Image.At(outPtr + 3).ReadBytes(len(plaintext))
	if string(got) != string(plaintext) {
		t.Fatalf("decrypted plaintext = %q, want %q", got, plaintext)
	}
}

// TestScenarioS3RTCCompareClearShort is spec.md §8 scenario S3: RTC0's
// CC[0] match fires EVENTS_COMPARE[0] and, with the COMPARE[0]->CLEAR
// shortcut enabled, the counter restarts from zero immediately after.
func TestScenarioS3RTCCompareClearShort(t *testing.T) {
	sim, _ := newTestSimulator(t)
	const rtcBase = 0x40005000
	const clockBase = 0x40000000

	mustWrite(t, sim, clockBase+0x000, 1)   // TASKS_LFCLKSTART
	mustWrite(t, sim, rtcBase+0x508, 0)     // PRESCALER=0 (32768 Hz)
	mustWrite(t, sim, rtcBase+0x340, 1<<16) // EVTENSET: COMPARE[0]
	mustWrite(t, sim, rtcBase+0x540, 100)   // CC[0]=100 ticks
	mustWrite(t, sim, rtcBase+0x200, 1)     // SHORTS: COMPARE0_CLEAR
	mustWrite(t, sim, rtcBase+0x000, 1)     // TASKS_START (counter held until LFCLKSTARTED)

	const lfClkRampUs = 100 // devices.lfClkRampUs
	wantUs := scheduler.Time(lfClkRampUs) + scheduler.Time((100*15625+511)>>9)
	sim.Run(wantUs + 10)

	if mustRead(t, sim, rtcBase+0x140) == 0 {
		t.Fatalf("EVENTS_COMPARE[0] never set")
	}
	counter := mustRead(t, sim, rtcBase+0x504)
	if counter > 1 {
		t.Fatalf("COUNTER = %d shortly after the CLEAR shortcut, want it to have restarted near 0", counter)
	}
}

// TestScenarioS4AARResolvesAtSecondKey is spec.md §8 scenario S4: an IRK
// table with two entries where only the second key resolves the address.
func TestScenarioS4AARResolvesAtSecondKey(t *testing.T) {
	sim, _ := newTestSimulator(t)
	const aarBase = 0x40008000

	const irkPtr, addrPtr = 0x7000, 0x7100
	wrongKey := make([]byte, 16)
	rightKey := make([]byte, 16)
	for i := range rightKey {
		rightKey[i] = byte(0x55 + i)
	}
	sim.Image.At(irkPtr).WriteBytes(wrongKey)
	sim.Image.At(irkPtr + 16).WriteBytes(rightKey)

	prand := []byte{0x40, 0x11, 0x22} // top two bits 01: resolvable private address
	// AAR reads the 6-byte address starting at addrPtr+3 (prand, then hash).
	hash := computeAhForTest(rightKey, prand)
	sim.Image.At(addrPtr + 3).WriteBytes(prand)
	sim.Image.At(addrPtr + 6).WriteBytes(hash)

	mustWrite(t, sim, aarBase+0x504, 2)      // NIRK=2
	mustWrite(t, sim, aarBase+0x508, irkPtr) // IRKPTR
	mustWrite(t, sim, aarBase+0x50C, addrPtr)
	mustWrite(t, sim, aarBase+0x500, 3) // ENABLE=3 (resolution)
	mustWrite(t, sim, aarBase+0x000, 1) // TASKS_START

	sim.Run(1000)

	if mustRead(t, sim, aarBase+0x104) == 0 {
		t.Fatalf("EVENTS_RESOLVED never set")
	}
	if status := mustRead(t, sim, aarBase+0x400); status != 1 {
		t.Fatalf("STATUS = %d, want 1 (the second IRK)", status)
	}
}

// TestScenarioS5FixedRoutingGatesThroughPPI is spec.md §8 scenario S5:
// RADIO.EVENTS_END routes over the fixed PPI channel to AAR.TASKS_START,
// seen as AAR.EVENTS_END firing. The TIMER0.TASKS_CAPTURE[2] fan-out and
// disabling the channel are not checked here.
func TestScenarioS5FixedRoutingGatesThroughPPI(t *testing.T) {
	sim, conn := newTestSimulator(t)
	const radioBase = 0x40002000
	const aarBase = 0x40008000

	mustWrite(t, sim, radioBase+0x518, 3<<16)
	mustWrite(t, sim, radioBase+0x534, 3)
	mustWrite(t, sim, radioBase+0x510, 1)
	mustWrite(t, sim, radioBase+0x504, 0x1000)
	sim.Image.At(0x1000).WriteByte(0x02)
	sim.Image.At(0x1001).WriteByte(0)

	mustWrite(t, sim, aarBase+0x504, 1)
	mustWrite(t, sim, aarBase+0x508, 0x7000)
	mustWrite(t, sim, aarBase+0x50C, 0x7100)
	sim.Image.At(0x7103).WriteBytes([]byte{0x00, 0x00, 0x00}) // non-resolvable prand (addrPtr+3), short scan
	mustWrite(t, sim, aarBase+0x500, 3)

	conn.RxResponses = []phy.RxResponse{{CRCOk: true}}
	mustWrite(t, sim, radioBase+0x004, 1) // RXEN
	sim.Run(130)
	mustWrite(t, sim, radioBase+0x008, 1) // START
	sim.Run(2000)

	if mustRead(t, sim, aarBase+0x100) == 0 {
		t.Fatalf("AAR.EVENTS_END never fired: RADIO.EVENTS_END -> AAR.TASKS_START routing did not trigger")
	}
}

// TestScenarioS6RadioTxAbortMidway is spec.md §8 scenario S6: TASKS_DISABLE
// midway through a Tx aborts the in-flight transaction and no further
// events from the aborted packet fire.
func TestScenarioS6RadioTxAbortMidway(t *testing.T) {
	sim, conn := newTestSimulator(t)
	const radioBase = 0x40002000

	mustWrite(t, sim, radioBase+0x518, 3<<16)
	mustWrite(t, sim, radioBase+0x534, 3)
	mustWrite(t, sim, radioBase+0x510, 1)
	mustWrite(t, sim, radioBase+0x504, 0x1000)
	sim.Image.At(0x1000).WriteByte(0x02)
	sim.Image.At(0x1001).WriteByte(0)

	mustWrite(t, sim, radioBase+0x000, 1) // TXEN
	sim.Run(130)
	mustWrite(t, sim, radioBase+0x008, 1) // START
	sim.Run(140)                          // nothing fires before ADDRESS at 171; time stays 130

	mustWrite(t, sim, radioBase+0x010, 1) // TASKS_DISABLE
	sim.Run(1000)

	if len(conn.TxAborts) == 0 || !conn.TxAborts[0].Abort {
		t.Fatalf("expected an abort to have been provided to the Phy")
	}
	if mustRead(t, sim, radioBase+0x10C) != 0 {
		t.Fatalf("EVENTS_END must not be set for an aborted packet")
	}
	if mustRead(t, sim, radioBase+0x110) == 0 {
		t.Fatalf("EVENTS_DISABLED never fired after ramp-down")
	}
}

// computeAhForTest mirrors devices.ahMatches's AES-128 computation so the
// test can construct an address that is guaranteed to resolve against a
// known IRK without depending on unexported helpers.
func computeAhForTest(irk, prand []byte) []byte {
	block, err := aes.NewCipher(irk)
	if err != nil {
		panic(err)
	}
	var in, out [16]byte
	copy(in[13:], prand)
	block.Encrypt(out[:], in[:])
	return out[13:16]
}
