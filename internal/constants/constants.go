package constants

import "time"

// Default configuration constants
const (
	// DefaultQueueSize is the default limit on outstanding device operations
	DefaultQueueSize = 4

	// MaxQueueSize bounds the configurable queue size; tokens are 16 bits wide
	MaxQueueSize = 1 << 15

	// RingSlots is the number of BlockIORequest slots in each shared ring
	RingSlots = 512

	// SectorSize is the virtio-blk sector size in bytes
	SectorSize = 512

	// DefaultDMARegionSize is the default size of the client DMA window (2MB)
	DefaultDMARegionSize = 2 << 20

	// DefaultDeviceSize is the default size of the simulated disk (64MB)
	DefaultDeviceSize = 64 << 20
)

// Notification channel identifiers
const (
	// ChannelDevice carries the device interrupt
	ChannelDevice = 0

	// ChannelClient carries notifications from the client
	ChannelClient = 1
)

// Timing constants for the runtime loop
const (
	// PollRetryDelay is the back-off after an interrupted epoll wait
	PollRetryDelay = time.Millisecond

	// ShutdownGrace bounds how long Close waits for the serve loop to exit
	ShutdownGrace = time.Second
)
