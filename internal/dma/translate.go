package dma

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrOutOfRegion is returned when a buffer descriptor does not lie entirely
// inside the DMA region.
var ErrOutOfRegion = errors.New("buffer outside dma region")

// Range is a translated buffer. Bytes always has exactly the requested length.
type Range struct {
	Offset     uint64 // offset from the start of the region
	Bytes      []byte // local view of the buffer
	DeviceAddr uint64 // address of the buffer in the device's frame
}

// Len returns the range length in bytes
func (r Range) Len() int {
	return len(r.Bytes)
}

// Ptr returns the local address of the first byte, or 0 for an empty range
func (r Range) Ptr() uintptr {
	if len(r.Bytes) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.Bytes[0]))
}

// Translator converts buffer descriptors between the three address frames:
// the client's encoded addresses, local addresses inside the mapped region,
// and device addresses.
type Translator struct {
	region     *Region
	clientBase uint64
	deviceBase uint64
}

// NewTranslator creates a translator for region. clientBase is the address
// the client encodes for region offset zero; deviceBase is the same origin
// as seen by the device.
func NewTranslator(region *Region, clientBase, deviceBase uint64) *Translator {
	return &Translator{
		region:     region,
		clientBase: clientBase,
		deviceBase: deviceBase,
	}
}

// Translate resolves an encoded (addr, length) descriptor into a local range.
// It has no side effects.
func (t *Translator) Translate(addr uint64, length uint32) (Range, error) {
	if addr < t.clientBase {
		return Range{}, fmt.Errorf("addr 0x%x below region base 0x%x: %w", addr, t.clientBase, ErrOutOfRegion)
	}

	off := addr - t.clientBase
	size := uint64(t.region.Len())
	if off > size || uint64(length) > size-off {
		return Range{}, fmt.Errorf("addr 0x%x len %d exceeds region %s (%d bytes): %w",
			addr, length, t.region.Name(), size, ErrOutOfRegion)
	}

	end := off + uint64(length)
	return Range{
		Offset:     off,
		Bytes:      t.region.Bytes()[off:end:end],
		DeviceAddr: t.deviceBase + off,
	}, nil
}

// Encode returns the client-frame address of a region offset
func (t *Translator) Encode(off uint64) uint64 {
	return t.clientBase + off
}

// Region returns the underlying region
func (t *Translator) Region() *Region {
	return t.region
}
