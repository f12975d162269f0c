// Package memimg models the simulated device's memory image as seen by
// MMIO-pointer-valued peripheral registers (PACKETPTR, INPTR, OUTPTR,
// CNFPTR, IRKPTR, ADDRPTR). The simulator never owns firmware memory: it
// treats these fields as opaque 32-bit device addresses into a byte image
// supplied by the embedding host. Image and Ptr exist so peripherals never
// juggle raw []byte slices and offsets by hand.
package memimg

import "fmt"

// Image is a flat byte-addressable view of the simulated device's memory.
type Image struct {
	buf []byte
}

// New wraps an existing byte slice as a device memory image. The slice is
// not copied; writes through the Image mutate buf directly.
func New(buf []byte) *Image {
	return &Image{buf: buf}
}

// Len reports the size of the underlying image in bytes.
func (im *Image) Len() int {
	return len(im.buf)
}

// Ptr is a non-owning handle to a location in an Image.
type Ptr struct {
	im   *Image
	addr uint32
}

// At returns a Ptr for the given device address.
func (im *Image) At(addr uint32) Ptr {
	return Ptr{im: im, addr: addr}
}

// Valid reports whether the pointer was constructed against a real image
// and a non-null address (RADIO/CCM/AAR treat PACKETPTR==0 etc. as "not
// configured").
func (p Ptr) Valid() bool {
	return p.im != nil && p.addr != 0
}

// Addr returns the raw device address.
func (p Ptr) Addr() uint32 {
	return p.addr
}

// Offset returns a new Ptr n bytes further into the image.
func (p Ptr) Offset(n uint32) Ptr {
	return Ptr{im: p.im, addr: p.addr + n}
}

// ReadByte reads a single byte at the pointer.
func (p Ptr) ReadByte() byte {
	return p.im.buf[p.addr]
}

// WriteByte writes a single byte at the pointer.
func (p Ptr) WriteByte(b byte) {
	p.im.buf[p.addr] = b
}

// ReadBytes copies n bytes starting at the pointer into a freshly allocated
// slice.
func (p Ptr) ReadBytes(n int) []byte {
	out := make([]byte, n)
	copy(out, p.im.buf[p.addr:int(p.addr)+n])
	return out
}

// WriteBytes copies src into the image starting at the pointer.
func (p Ptr) WriteBytes(src []byte) {
	copy(p.im.buf[p.addr:int(p.addr)+len(src)], src)
}

// CheckBounds returns an error if reading/writing n bytes at the pointer
// would run off the end of the image. Peripherals call this before any
// DMA-style access so a firmware misconfiguration becomes a clean warning
// instead of a Go panic.
func (p Ptr) CheckBounds(n int) error {
	if p.im == nil {
		return fmt.Errorf("memimg: dereferencing nil image pointer")
	}
	end := int(p.addr) + n
	if end > p.im.Len() || end < 0 {
		return fmt.Errorf("memimg: access [0x%x, 0x%x) exceeds image size 0x%x", p.addr, end, p.im.Len())
	}
	return nil
}
