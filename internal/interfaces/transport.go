// Package interfaces defines the contracts between the driver core and its
// collaborators: the device transport, the client ring queues, the storage
// behind a simulated device, and metrics observers.
package interfaces

import (
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/blkio"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

// Transport is a non-blocking virtio-blk device.
//
// The device may keep the addresses of req, resp and buf from SubmitRead
// until the matching Finalize returns; callers keep them at a fixed address
// for that window.
type Transport interface {
	// SubmitRead queues a read of len(buf) bytes starting at sector blockID
	// and returns the token that will identify its completion.
	SubmitRead(blockID uint64, buf dma.Range, req *virtio.BlkReq, resp *virtio.BlkResp) (virtio.Token, error)

	// PeekCompleted returns the token of the next finished operation without
	// consuming it.
	PeekCompleted() (virtio.Token, bool)

	// Finalize consumes the completion for token and returns the device
	// status written into resp.
	Finalize(token virtio.Token, req *virtio.BlkReq, buf dma.Range, resp *virtio.BlkResp) (virtio.RespStatus, error)

	// AckInterrupt clears the device interrupt so the next one can fire.
	AckInterrupt()

	// Capacity returns the maximum number of outstanding operations.
	Capacity() int

	// Close releases the device. Outstanding operations are abandoned.
	Close() error
}

// Queues is the driver's side of the request and completion rings shared
// with the client.
type Queues interface {
	// DequeueRequest takes the next client request; ok is false when the
	// request ring is empty.
	DequeueRequest() (req blkio.BlockIORequest, ok bool, err error)

	// RequestQueueEmpty reports whether the request ring is empty.
	RequestQueueEmpty() bool

	// EnqueueCompletion hands a finished request back to the client.
	EnqueueCompletion(req blkio.BlockIORequest) error

	// CompletionQueueFull reports whether EnqueueCompletion would fail.
	CompletionQueueFull() bool

	// NotifyPeer signals the client.
	NotifyPeer() error
}

// Observer receives driver events for metrics collection
type Observer interface {
	// ObserveSubmit is called after a read is handed to the device.
	ObserveSubmit(bytes uint64)

	// ObserveComplete is called after a completion is returned to the client.
	ObserveComplete(bytes uint64, latency time.Duration, success bool)

	// ObserveInFlight is called with the number of outstanding operations
	// whenever it changes.
	ObserveInFlight(depth uint32)

	// ObserveDeferred is called when a completion is left with the device
	// because the completion ring is full.
	ObserveDeferred()

	// ObserveTrigger is called once per handled notification.
	ObserveTrigger(channel int, notifiedClient bool)
}
