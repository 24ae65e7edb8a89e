package backend

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNewMemory(t *testing.T) {
	size := int64(1024)
	mem := NewMemory(size)

	if mem.Size() != size {
		t.Errorf("Size() = %d, want %d", mem.Size(), size)
	}

	if len(mem.data) != int(size) {
		t.Errorf("data length = %d, want %d", len(mem.data), size)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("Hello, virtio-blk!")
	n, err := mem.WriteAt(testData, 0)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 0)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("ReadAt read %d bytes, want %d", n, len(testData))
	}
	if string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	tests := []struct {
		name    string
		off     int64
		buflen  int
		wantN   int
		wantEOF bool
	}{
		{"inside", 0, 50, 50, false},
		{"exactly to end", 50, 50, 50, false},
		{"crossing end", 80, 50, 20, true},
		{"at end", 100, 10, 0, true},
		{"past end", 200, 10, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := mem.ReadAt(make([]byte, tt.buflen), tt.off)
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			if (err == io.EOF) != tt.wantEOF {
				t.Errorf("err = %v, wantEOF %v", err, tt.wantEOF)
			}
		})
	}

	if _, err := mem.ReadAt(make([]byte, 1), -1); err == nil {
		t.Error("negative offset should fail")
	}
	if _, err := mem.WriteAt([]byte("x"), 100); err == nil {
		t.Error("write at end should fail")
	}
	if _, err := mem.WriteAt(make([]byte, 10), 95); err != io.ErrShortWrite {
		t.Errorf("write crossing end: got %v, want io.ErrShortWrite", err)
	}
}

func TestPatterned(t *testing.T) {
	mem := NewPatterned(4 * 512)
	buf := make([]byte, 512)

	for sector := uint64(0); sector < 4; sector++ {
		if _, err := mem.ReadAt(buf, int64(sector*512)); err != nil {
			t.Fatalf("ReadAt sector %d: %v", sector, err)
		}
		if got := binary.LittleEndian.Uint64(buf[:8]); got != sector {
			t.Errorf("sector %d header = %d", sector, got)
		}
		if buf[511] != byte(sector) {
			t.Errorf("sector %d fill byte = %d", sector, buf[511])
		}
	}
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	mem.ReadAt(make([]byte, 100), 0)

	stats := mem.Stats()
	if stats["type"] != "memory" {
		t.Errorf("type = %v", stats["type"])
	}
	if stats["reads"] != uint64(1) {
		t.Errorf("reads = %v", stats["reads"])
	}
	if stats["read_bytes"] != uint64(100) {
		t.Errorf("read_bytes = %v", stats["read_bytes"])
	}
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	img := make([]byte, 2048)
	FillSector(img[512:1024], 1)
	if err := os.WriteFile(path, img, 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	if f.Size() != 2048 {
		t.Errorf("Size = %d, want 2048", f.Size())
	}

	buf := make([]byte, 512)
	if _, err := f.ReadAt(buf, 512); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if binary.LittleEndian.Uint64(buf[:8]) != 1 {
		t.Error("file backend returned wrong sector")
	}

	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error opening missing image")
	}
}
