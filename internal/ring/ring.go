// Package ring implements the single-producer single-consumer queues of
// BlockIORequest records that live in memory shared between the driver and
// its client.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-virtblk/internal/blkio"
)

const (
	// HeaderSize is the size of the index header preceding the slots
	HeaderSize = 8

	writeIndexOff = 0
	readIndexOff  = 4
)

var (
	// ErrFull is returned by Enqueue when every slot is occupied
	ErrFull = errors.New("ring full")

	// ErrCorrupt is returned when the shared indices are inconsistent
	ErrCorrupt = errors.New("ring indices corrupt")
)

// Size returns the number of bytes needed for a ring with the given slot count
func Size(slots int) int {
	return HeaderSize + slots*blkio.RequestSize
}

// Ring is a view over a shared-memory queue. The layout is
//
//	u32 write_index   // free running, advanced by the producer
//	u32 read_index    // free running, advanced by the consumer
//	block_io_request slots[n]
//
// Indices are accessed atomically; slot contents are published by the
// producer's index store and released by the consumer's index store.
type Ring struct {
	name  string
	write *uint32
	read  *uint32
	slots []byte
	n     uint32
}

// New creates a view over mem. slots must be a power of two and mem must be
// at least Size(slots) bytes and 4-byte aligned.
func New(name string, mem []byte, slots int) (*Ring, error) {
	if slots <= 0 || slots&(slots-1) != 0 {
		return nil, fmt.Errorf("ring %s: slot count %d is not a power of two", name, slots)
	}
	if len(mem) < Size(slots) {
		return nil, fmt.Errorf("ring %s: need %d bytes, have %d", name, Size(slots), len(mem))
	}
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(base)%4 != 0 {
		return nil, fmt.Errorf("ring %s: memory not 4-byte aligned", name)
	}

	return &Ring{
		name:  name,
		write: (*uint32)(unsafe.Add(base, writeIndexOff)),
		read:  (*uint32)(unsafe.Add(base, readIndexOff)),
		slots: mem[HeaderSize:Size(slots)],
		n:     uint32(slots),
	}, nil
}

// Reset zeroes both indices. Only the side that owns ring setup may call it,
// before the peer starts using the ring.
func (r *Ring) Reset() {
	atomic.StoreUint32(r.write, 0)
	atomic.StoreUint32(r.read, 0)
}

// Name returns the ring name
func (r *Ring) Name() string {
	return r.name
}

// Cap returns the slot count
func (r *Ring) Cap() int {
	return int(r.n)
}

// Len returns the number of occupied slots
func (r *Ring) Len() (int, error) {
	w := atomic.LoadUint32(r.write)
	rd := atomic.LoadUint32(r.read)
	used := w - rd
	if used > r.n {
		return 0, fmt.Errorf("ring %s: write=%d read=%d: %w", r.name, w, rd, ErrCorrupt)
	}
	return int(used), nil
}

// IsEmpty reports whether there is nothing to dequeue. A corrupt ring is
// reported as non-empty so that Dequeue surfaces the corruption.
func (r *Ring) IsEmpty() bool {
	return atomic.LoadUint32(r.write) == atomic.LoadUint32(r.read)
}

// IsFull reports whether Enqueue would fail
func (r *Ring) IsFull() bool {
	return atomic.LoadUint32(r.write)-atomic.LoadUint32(r.read) >= r.n
}

func (r *Ring) slot(idx uint32) []byte {
	off := int(idx&(r.n-1)) * blkio.RequestSize
	return r.slots[off : off+blkio.RequestSize]
}

// Enqueue copies req into the next free slot and publishes it
func (r *Ring) Enqueue(req *blkio.BlockIORequest) error {
	w := atomic.LoadUint32(r.write)
	rd := atomic.LoadUint32(r.read)
	used := w - rd
	if used > r.n {
		return fmt.Errorf("ring %s: write=%d read=%d: %w", r.name, w, rd, ErrCorrupt)
	}
	if used == r.n {
		return ErrFull
	}

	if err := blkio.MarshalTo(r.slot(w), req); err != nil {
		return err
	}
	atomic.StoreUint32(r.write, w+1)
	return nil
}

// Dequeue removes the oldest published request. ok is false when the ring
// is empty.
func (r *Ring) Dequeue() (req blkio.BlockIORequest, ok bool, err error) {
	rd := atomic.LoadUint32(r.read)
	w := atomic.LoadUint32(r.write)
	if w == rd {
		return req, false, nil
	}
	if w-rd > r.n {
		return req, false, fmt.Errorf("ring %s: write=%d read=%d: %w", r.name, w, rd, ErrCorrupt)
	}

	if err := blkio.Unmarshal(r.slot(rd), &req); err != nil {
		return req, false, err
	}
	atomic.StoreUint32(r.read, rd+1)
	return req, true, nil
}
