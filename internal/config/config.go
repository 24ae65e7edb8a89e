// Package config loads the driver configuration from YAML.
//
//	driver:
//	  queue_size: 4
//	  device_errors: halt
//	dma:
//	  client:
//	    path: /dev/shm/virtio_blk_client_dma
//	    size: 2M
//	    paddr: 0x80000000
//	rings:
//	  slots: 512
//	device:
//	  type: mem
//	  size: 64M
//	logging:
//	  level: info
//	stats:
//	  listen: 127.0.0.1:9100
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-virtblk"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
)

// Config is the root of the configuration file
type Config struct {
	Driver  DriverConfig  `yaml:"driver"`
	DMA     DMAConfig     `yaml:"dma"`
	Rings   RingsConfig   `yaml:"rings"`
	Device  DeviceConfig  `yaml:"device"`
	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`
}

// DriverConfig configures the driver core
type DriverConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	DeviceErrors string `yaml:"device_errors"`
}

// DMAConfig lists the DMA regions shared with the client
type DMAConfig struct {
	Client RegionConfig `yaml:"client"`
}

// RegionConfig describes one shared memory region
type RegionConfig struct {
	Path       string `yaml:"path"`
	Size       Size   `yaml:"size"`
	PAddr      Addr   `yaml:"paddr"`
	DeviceBase Addr   `yaml:"device_base"`
}

// RingsConfig describes the request and completion rings
type RingsConfig struct {
	Path  string `yaml:"path"`
	Slots int    `yaml:"slots"`
}

// DeviceConfig describes the block device
type DeviceConfig struct {
	Type    string        `yaml:"type"`
	Path    string        `yaml:"path"`
	Size    Size          `yaml:"size"`
	Latency time.Duration `yaml:"latency"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatsConfig configures the prometheus endpoint. An empty Listen disables it.
type StatsConfig struct {
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used for keys the file leaves out
func Default() *Config {
	params := virtblk.DefaultParams()
	return &Config{
		Driver: DriverConfig{
			QueueSize:    params.QueueSize,
			DeviceErrors: params.DeviceErrors,
		},
		DMA: DMAConfig{
			Client: RegionConfig{
				Size:       Size(params.DMASize),
				PAddr:      Addr(params.ClientBase),
				DeviceBase: Addr(params.DeviceBase),
			},
		},
		Rings: RingsConfig{
			Slots: params.RingSlots,
		},
		Device: DeviceConfig{
			Type: params.DeviceType,
			Size: Size(params.DeviceSize),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Stats: StatsConfig{
			Path:      "/metrics",
			Namespace: "virtblk",
		},
	}
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(b []byte) (*Config, error) {
	c := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects values the driver cannot start with
func (c *Config) Validate() error {
	if c.Driver.QueueSize <= 0 || c.Driver.QueueSize > virtblk.MaxQueueSize {
		return fmt.Errorf("driver.queue_size %d out of range [1, %d]", c.Driver.QueueSize, virtblk.MaxQueueSize)
	}
	switch c.Driver.DeviceErrors {
	case virtblk.DeviceErrorsHalt, virtblk.DeviceErrorsReport:
	default:
		return fmt.Errorf("driver.device_errors must be %q or %q, got %q",
			virtblk.DeviceErrorsHalt, virtblk.DeviceErrorsReport, c.Driver.DeviceErrors)
	}
	if c.DMA.Client.Size < virtblk.SectorSize {
		return fmt.Errorf("dma.client.size %d is smaller than a sector", c.DMA.Client.Size)
	}
	if s := c.Rings.Slots; s <= 0 || s&(s-1) != 0 {
		return fmt.Errorf("rings.slots %d is not a power of two", s)
	}
	switch c.Device.Type {
	case virtblk.DeviceTypeMem:
		if c.Device.Size < virtblk.SectorSize {
			return fmt.Errorf("device.size %d is smaller than a sector", c.Device.Size)
		}
	case virtblk.DeviceTypeFile:
		if c.Device.Path == "" {
			return fmt.Errorf("device.path is required for a file device")
		}
	default:
		return fmt.Errorf("device.type must be %q or %q, got %q",
			virtblk.DeviceTypeMem, virtblk.DeviceTypeFile, c.Device.Type)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Params converts the configuration to driver parameters
func (c *Config) Params() virtblk.Params {
	return virtblk.Params{
		QueueSize:     c.Driver.QueueSize,
		DeviceErrors:  c.Driver.DeviceErrors,
		DMAPath:       c.DMA.Client.Path,
		DMASize:       int(c.DMA.Client.Size),
		ClientBase:    uint64(c.DMA.Client.PAddr),
		DeviceBase:    uint64(c.DMA.Client.DeviceBase),
		RingPath:      c.Rings.Path,
		RingSlots:     c.Rings.Slots,
		DeviceType:    c.Device.Type,
		DevicePath:    c.Device.Path,
		DeviceSize:    int64(c.Device.Size),
		DeviceLatency: c.Device.Latency,
	}
}

// LogConfig converts the logging section to a logger configuration writing
// to out
func (c *Config) LogConfig(out io.Writer) *logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return &logging.Config{
		Level:  level,
		Format: c.Logging.Format,
		Output: out,
	}
}

// Size is a byte count that accepts K, M and G suffixes (powers of 1024)
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = Size(n)
	return nil
}

// ParseSize parses "4096", "64K", "2M", "1G" and the "KB"/"KiB" spellings
func ParseSize(str string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(str))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")

	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		}
		if mult != 1 {
			s = s[:n-1]
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", str)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size %q overflows", str)
	}
	return n * mult, nil
}

// Addr is a 64-bit address written in decimal, hex (0x) or octal (0o)
type Addr uint64

// UnmarshalYAML implements yaml.Unmarshaler
func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	n, err := strconv.ParseUint(strings.ReplaceAll(value.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Addr(n)
	return nil
}
