// Package uring provides the io_uring operations used by the file-backed
// device transport
package uring

import (
	"errors"
	"syscall"

	"github.com/ehrlich-b/go-virtblk/internal/logging"
)

// ErrSubmissionQueueFull is returned when no SQE is available
var ErrSubmissionQueueFull = errors.New("io_uring submission queue full")

// ErrNotSupported is returned on platforms without io_uring
var ErrNotSupported = errors.New("io_uring not supported on this platform")

// Ring provides the interface for io_uring operations needed by the driver
type Ring interface {
	// PrepareRead queues a read of len(buf) bytes at offset from fd. The
	// buffer must stay at a fixed address until its completion is reaped.
	PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error

	// Submit hands all queued SQEs to the kernel and returns how many were
	// submitted
	Submit() (int, error)

	// Reap copies up to len(dst) available completions into dst without
	// blocking and returns how many were copied
	Reap(dst []Completion) int

	// RegisterEventFD makes the kernel signal fd whenever a completion is
	// posted
	RegisterEventFD(fd int) error

	// Close closes the ring and releases resources
	Close() error
}

// Completion is one reaped CQE
type Completion struct {
	UserData uint64
	Res      int32
}

// Value returns the result value (bytes transferred, or negative errno)
func (c Completion) Value() int32 {
	return c.Res
}

// Error returns an error if the operation failed
func (c Completion) Error() error {
	if c.Res < 0 {
		return syscall.Errno(-c.Res)
	}
	return nil
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of entries in the ring
}

// NewRing creates a new Ring backed by the kernel's io_uring
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries)

	ring, err := newKernelRing(config)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Debug("created io_uring", "entries", config.Entries)
	return ring, nil
}
