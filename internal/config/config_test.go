package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-virtblk"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, virtblk.DefaultParams(), c.Params())
}

func TestParseFull(t *testing.T) {
	c, err := Parse([]byte(`
driver:
  queue_size: 8
  device_errors: report
dma:
  client:
    path: /dev/shm/dma
    size: 4M
    paddr: 0x4000_0000
    device_base: 0x1000
rings:
  path: /dev/shm/rings
  slots: 64
device:
  type: file
  path: /var/lib/disk.img
  latency: 250us
logging:
  level: debug
  format: json
stats:
  listen: 127.0.0.1:9100
`))
	require.NoError(t, err)

	p := c.Params()
	assert.Equal(t, 8, p.QueueSize)
	assert.Equal(t, "report", p.DeviceErrors)
	assert.Equal(t, "/dev/shm/dma", p.DMAPath)
	assert.Equal(t, 4<<20, p.DMASize)
	assert.Equal(t, uint64(0x4000_0000), p.ClientBase)
	assert.Equal(t, uint64(0x1000), p.DeviceBase)
	assert.Equal(t, "/dev/shm/rings", p.RingPath)
	assert.Equal(t, 64, p.RingSlots)
	assert.Equal(t, virtblk.DeviceTypeFile, p.DeviceType)
	assert.Equal(t, "/var/lib/disk.img", p.DevicePath)
	assert.Equal(t, 250*time.Microsecond, p.DeviceLatency)

	assert.Equal(t, "127.0.0.1:9100", c.Stats.Listen)
	assert.Equal(t, "/metrics", c.Stats.Path, "unset keys keep their defaults")

	lc := c.LogConfig(os.Stderr)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero queue size", "driver: {queue_size: 0}"},
		{"bad policy", "driver: {device_errors: retry}"},
		{"tiny dma", "dma: {client: {size: 100}}"},
		{"bad size", "dma: {client: {size: 12X}}"},
		{"bad address", "dma: {client: {paddr: nowhere}}"},
		{"ring slots", "rings: {slots: 100}"},
		{"file without path", "device: {type: file}"},
		{"unknown device", "device: {type: nvme}"},
		{"log level", "logging: {level: loud}"},
		{"log format", "logging: {format: xml}"},
		{"unknown key", "driver: {queue_depth: 4}"},
		{"not yaml", "driver: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtblk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  size: 1G\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Size(1<<30), c.Device.Size)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"4096", 4096, true},
		{"64K", 64 << 10, true},
		{"64k", 64 << 10, true},
		{"2M", 2 << 20, true},
		{"2MB", 2 << 20, true},
		{"2MiB", 2 << 20, true},
		{"1G", 1 << 30, true},
		{" 8 K ", 8 << 10, true},
		{"", 0, false},
		{"M", 0, false},
		{"-1K", 0, false},
		{"1.5M", 0, false},
		{"9999999999G", 0, false},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.ok {
			if assert.NoError(t, err, tt.in) {
				assert.Equal(t, tt.want, got, tt.in)
			}
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}
