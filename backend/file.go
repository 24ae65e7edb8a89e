package backend

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
)

// File is a read-only backend over a disk image
type File struct {
	f    *os.File
	size int64

	reads atomic.Uint64
}

// OpenFile opens the image at path
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	return &File{f: f, size: fi.Size()}, nil
}

// ReadAt implements the Backend interface
func (b *File) ReadAt(p []byte, off int64) (int, error) {
	b.reads.Add(1)
	return b.f.ReadAt(p, off)
}

// Size implements the Backend interface
func (b *File) Size() int64 {
	return b.size
}

// Close implements the Backend interface
func (b *File) Close() error {
	return b.f.Close()
}

// Stats implements the StatBackend interface
func (b *File) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":  "file",
		"path":  b.f.Name(),
		"size":  b.size,
		"reads": b.reads.Load(),
	}
}

var (
	_ interfaces.Backend     = (*File)(nil)
	_ interfaces.StatBackend = (*File)(nil)
)
