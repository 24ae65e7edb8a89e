package virtblk

import (
	"github.com/ehrlich-b/go-virtblk/internal/blkio"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

// Backend is the storage behind a simulated device
type Backend = interfaces.Backend

// WriterBackend is a Backend that can be populated
type WriterBackend = interfaces.WriterBackend

// StatBackend is a Backend that reports statistics
type StatBackend = interfaces.StatBackend

// Transport is a non-blocking virtio-blk device. Supplying one in Options
// replaces the device built from Params.
type Transport = interfaces.Transport

// Device-side types appearing in the Transport contract
type (
	Token        = virtio.Token
	BlkReq       = virtio.BlkReq
	BlkResp      = virtio.BlkResp
	DeviceStatus = virtio.RespStatus
	BufferRange  = dma.Range
)

// Device statuses
const (
	DeviceStatusOK          = virtio.RespStatusOK
	DeviceStatusIOErr       = virtio.RespStatusIOErr
	DeviceStatusUnsupported = virtio.RespStatusUnsupported
	DeviceStatusNotReady    = virtio.RespStatusNotReady
)

// Request is one slot of the request or completion ring
type Request = blkio.BlockIORequest

// RequestStatus is the status the driver writes into a completed Request
type RequestStatus = blkio.RequestStatus

// Request statuses
const (
	StatusPending = blkio.StatusPending
	StatusOk      = blkio.StatusOk
	StatusIOError = blkio.StatusIOError
)

// Request types
const (
	TypeRead  = blkio.TypeRead
	TypeWrite = blkio.TypeWrite
)

// Logger is the structured logger used throughout the driver
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

// NewLogger creates a structured logger
func NewLogger(config *LogConfig) *Logger {
	return logging.NewLogger(config)
}
