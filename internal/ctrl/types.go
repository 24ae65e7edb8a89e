package ctrl

import (
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
)

// Device types
const (
	DeviceTypeMem  = "mem"
	DeviceTypeFile = "file"
)

// Symbolic region names
const (
	RegionClientDMA = "virtio_blk_client_dma"
	RegionRings     = "virtio_blk_rings"
)

// Params describes the shared memory layout and the device to build
type Params struct {
	// Client DMA region. An empty path maps anonymous shared memory.
	DMAPath    string
	DMASize    int
	ClientBase uint64 // client-frame address of region offset zero
	DeviceBase uint64 // device-frame address of region offset zero

	// Request and completion rings, laid out back to back in one region
	RingPath  string
	RingSlots int

	// Device
	DeviceType    string             // DeviceTypeMem or DeviceTypeFile
	DevicePath    string             // disk image for DeviceTypeFile
	DeviceSize    int64              // simulated disk size for DeviceTypeMem
	Backend       interfaces.Backend // overrides the patterned RAM disk for DeviceTypeMem
	DeviceLatency time.Duration      // artificial service time for DeviceTypeMem
	QueueSize     int

	// Transport replaces the device entirely when set
	Transport interfaces.Transport
}

// DefaultParams returns params for an in-process RAM disk
func DefaultParams() Params {
	return Params{
		DMASize:    constants.DefaultDMARegionSize,
		ClientBase: 0x8000_0000,
		DeviceBase: 0x8000_0000,
		RingSlots:  constants.RingSlots,
		DeviceType: DeviceTypeMem,
		DeviceSize: constants.DefaultDeviceSize,
		QueueSize:  constants.DefaultQueueSize,
	}
}
