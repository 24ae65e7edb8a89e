// Package backend provides storage implementations for the simulated device
package backend

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
)

// Memory provides a RAM-based backend
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	reads     atomic.Uint64
	readBytes atomic.Uint64
}

// NewMemory creates a new memory backend of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// NewPatterned creates a memory backend whose every sector starts with its
// own sector number (little endian u64), followed by a fill byte derived
// from it. Reads can then be verified without knowing the image.
func NewPatterned(size int64) *Memory {
	m := NewMemory(size)
	for sector := int64(0); sector*constants.SectorSize < size; sector++ {
		off := sector * constants.SectorSize
		end := off + constants.SectorSize
		if end > size {
			end = size
		}
		FillSector(m.data[off:end], uint64(sector))
	}
	return m
}

// FillSector writes the pattern used by NewPatterned for one sector into p
func FillSector(p []byte, sector uint64) {
	if len(p) >= 8 {
		binary.LittleEndian.PutUint64(p[:8], sector)
		p = p[8:]
	}
	fill := byte(sector)
	for i := range p {
		p[i] = fill
	}
}

// ReadAt implements the Backend interface. A read crossing the end of the
// backend returns the available bytes and io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.reads.Add(1)

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= m.size {
		return 0, io.EOF
	}

	n := copy(p, m.data[off:m.size])
	m.readBytes.Add(uint64(n))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the WriterBackend interface
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	n := copy(m.data[off:m.size], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Size implements the Backend interface
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear the data to help with GC
	m.data = nil
	m.size = 0
	return nil
}

// Stats implements the StatBackend interface
func (m *Memory) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"type":       "memory",
		"size":       m.size,
		"allocated":  len(m.data),
		"reads":      m.reads.Load(),
		"read_bytes": m.readBytes.Load(),
	}
}

// Compile-time interface checks
var (
	_ interfaces.Backend       = (*Memory)(nil)
	_ interfaces.WriterBackend = (*Memory)(nil)
	_ interfaces.StatBackend   = (*Memory)(nil)
)
