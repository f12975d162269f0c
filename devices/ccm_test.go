package devices_test

import (
	"testing"

	"nrfhw/devices"
	"nrfhw/irq"
	"nrfhw/memimg"
)

func newTestCCM(t *testing.T) (*devices.CCM, *memimg.Image) {
	t.Helper()
	buf := make([]byte, 4096)
	img := memimg.New(buf)
	agg := irq.New(&noopSink{})
	c := devices.NewCCM("CCM", img, agg, 17)
	c.BindEventIDs(1, 2, 3)
	return c, img
}

func writeConfigBlock(img *memimg.Image, base uint32, key []byte, counter uint64, dir byte, iv []byte) {
	p := img.At(base)
	p.WriteBytes(key)
	ctr := make([]byte, 5)
	for i := 0; i < 5; i++ {
		ctr[i] = byte(counter >> (8 * i))
	}
	p.Offset(16).WriteBytes(ctr)
	p.Offset(24).WriteByte(dir)
	p.Offset(25).WriteBytes(iv)
}

func TestCCMEncryptThenDecryptRoundTrips(t *testing.T) {
	c, img := newTestCCM(t)

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	iv := make([]byte, 8)
	for i := range iv {
		iv[i] = byte(0x10 + i)
	}
	writeConfigBlock(img, 0x1000, key, 7, 1, iv)

	plaintext := []byte("hello ccm payload")
	in := img.At(0x2000)
	in.WriteByte(0x02)            // header
	in.Offset(1).WriteByte(byte(len(plaintext)))
	in.Offset(3).WriteBytes(plaintext)

	mustWriteCCM(t, c, 0x508, 0x1000) // CNFPTR
	mustWriteCCM(t, c, 0x50C, 0x2000) // INPTR
	mustWriteCCM(t, c, 0x510, 0x3000) // OUTPTR
	mustWriteCCM(t, c, 0x500, 1)      // ENABLE
	mustWriteCCM(t, c, 0x504, 0)      // MODE=Encryption

	mustWriteCCM(t, c, 0x000, 1) // TASKS_KSGEN
	mustWriteCCM(t, c, 0x004, 1) // TASKS_CRYPT

	endCrypt, err := c.HandleRead(0x104)
	if err != nil || endCrypt != 1 {
		t.Fatalf("ENDCRYPT = %v, err=%v, want 1", endCrypt, err)
	}

	out := img.At(0x3000)
	gotHeader := out.ReadByte()
	gotLen := out.Offset(1).ReadByte()
	if gotHeader != 0x02 {
		t.Fatalf("header = 0x%x, want 0x02", gotHeader)
	}
	if int(gotLen) != len(plaintext)+4 {
		t.Fatalf("out length = %d, want %d", gotLen, len(plaintext)+4)
	}

	// Feed the ciphertext back in as an Rx buffer and decrypt it.
	rxIn := img.At(0x4000)
	rxIn.WriteByte(gotHeader)
	rxIn.Offset(1).WriteByte(gotLen)
	rxIn.Offset(3).WriteBytes(out.Offset(3).ReadBytes(int(gotLen)))

	mustWriteCCM(t, c, 0x50C, 0x4000) // INPTR -> rx buffer
	mustWriteCCM(t, c, 0x510, 0x5000) // OUTPTR -> decrypted plaintext
	mustWriteCCM(t, c, 0x504, 1)      // MODE=Decryption
	mustWriteCCM(t, c, 0x004, 1)      // TASKS_CRYPT arms decryption

	c.RadioReceivedPacket(false)

	micStatus, err := c.HandleRead(0x400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if micStatus != 1 {
		t.Fatalf("MICSTATUS = %d, want 1 (MIC should verify)", micStatus)
	}

	decrypted := img.At(0x5000).Offset(3).ReadBytes(len(plaintext))
	if string(decrypted) != string(plaintext) {
		t.Fatalf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestCCMRadioReceivedPacketWithCRCErrorSkipsDecrypt(t *testing.T) {
	c, _ := newTestCCM(t)
	mustWriteCCM(t, c, 0x504, 1) // MODE=Decryption
	mustWriteCCM(t, c, 0x004, 1) // TASKS_CRYPT arms decryption

	c.RadioReceivedPacket(true)

	micStatus, _ := c.HandleRead(0x400)
	if micStatus != 0 {
		t.Fatalf("MICSTATUS = %d, want 0 on CRC error", micStatus)
	}
}

func mustWriteCCM(t *testing.T, c *devices.CCM, offset, value uint32) {
	t.Helper()
	if err := c.HandleWrite(offset, value); err != nil {
		t.Fatalf("HandleWrite(0x%x, 0x%x): %v", offset, value, err)
	}
}
