package virtblk

import "github.com/ehrlich-b/go-virtblk/internal/constants"

// Re-export constants for public API
const (
	DefaultQueueSize     = constants.DefaultQueueSize
	MaxQueueSize         = constants.MaxQueueSize
	RingSlots            = constants.RingSlots
	SectorSize           = constants.SectorSize
	DefaultDMARegionSize = constants.DefaultDMARegionSize
	DefaultDeviceSize    = constants.DefaultDeviceSize
)

// Channel identifies a trigger source delivered to Driver.Notified
type Channel int

const (
	// ChannelDevice is the device interrupt line
	ChannelDevice Channel = constants.ChannelDevice
	// ChannelClient is the client notification line
	ChannelClient Channel = constants.ChannelClient
)

func (c Channel) String() string {
	switch c {
	case ChannelDevice:
		return "device"
	case ChannelClient:
		return "client"
	default:
		return "unknown"
	}
}
