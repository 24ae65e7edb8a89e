// Package dma maps the memory regions shared with the client and translates
// client buffer descriptors into local ranges over them.
package dma

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is a locally addressable byte range. It is backed either by a
// MAP_SHARED mapping (a file under /dev/shm shared with another process, or
// anonymous memory shared within this process) or by a caller-supplied slice.
type Region struct {
	name   string
	data   []byte
	mapped bool
	mu     sync.Mutex
}

// MapRegion maps size bytes of the file at path, creating and sizing the
// file when needed. The name is the symbolic region name used in logs.
func MapRegion(name, path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region %s: invalid size %d", name, size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("region %s: open %s: %w", name, path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("region %s: stat %s: %w", name, path, err)
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("region %s: truncate %s: %w", name, path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("region %s: mmap %s: %w", name, path, err)
	}

	return &Region{name: name, data: data, mapped: true}, nil
}

// AllocRegion maps size bytes of anonymous shared memory
func AllocRegion(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region %s: invalid size %d", name, size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("region %s: anonymous mmap: %w", name, err)
	}

	return &Region{name: name, data: data, mapped: true}, nil
}

// NewRegion wraps an existing slice. The slice must outlive the region.
func NewRegion(name string, data []byte) *Region {
	return &Region{name: name, data: data}
}

// Name returns the symbolic name of the region
func (r *Region) Name() string {
	return r.name
}

// Bytes returns the whole region
func (r *Region) Bytes() []byte {
	return r.data
}

// Len returns the region size in bytes
func (r *Region) Len() int {
	return len(r.data)
}

// Close unmaps the region. Slice-backed regions are left untouched.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.mapped || r.data == nil {
		r.data = nil
		return nil
	}

	err := unix.Munmap(r.data)
	r.data = nil
	r.mapped = false
	if err != nil {
		return fmt.Errorf("region %s: munmap: %w", r.name, err)
	}
	return nil
}
