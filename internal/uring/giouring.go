//go:build linux

package uring

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// kernelRing implements the Ring interface using pawelgaczynski/giouring
type kernelRing struct {
	ring *giouring.Ring
	cqes []*giouring.CompletionQueueEvent
}

func newKernelRing(config Config) (Ring, error) {
	if config.Entries == 0 {
		return nil, fmt.Errorf("io_uring: zero entries")
	}

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		return nil, fmt.Errorf("io_uring setup: %w", err)
	}

	return &kernelRing{
		ring: ring,
		// The CQ ring is twice the SQ ring by default
		cqes: make([]*giouring.CompletionQueueEvent, 2*config.Entries),
	}, nil
}

func (r *kernelRing) PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrSubmissionQueueFull
	}

	var addr uintptr
	if len(buf) > 0 {
		addr = uintptr(unsafe.Pointer(&buf[0]))
	}
	sqe.PrepareRead(fd, addr, uint32(len(buf)), offset)
	sqe.SetData64(userData)
	return nil
}

func (r *kernelRing) Submit() (int, error) {
	n, err := r.ring.Submit()
	if err != nil {
		return int(n), fmt.Errorf("io_uring submit: %w", err)
	}
	return int(n), nil
}

func (r *kernelRing) Reap(dst []Completion) int {
	want := len(dst)
	if want > len(r.cqes) {
		want = len(r.cqes)
	}

	n := r.ring.PeekBatchCQE(r.cqes[:want])
	for i := uint32(0); i < n; i++ {
		cqe := r.cqes[i]
		dst[i] = Completion{UserData: cqe.UserData, Res: cqe.Res}
		r.cqes[i] = nil
	}
	if n > 0 {
		r.ring.CQAdvance(n)
	}
	return int(n)
}

func (r *kernelRing) RegisterEventFD(fd int) error {
	if _, err := r.ring.RegisterEventFd(fd); err != nil {
		return fmt.Errorf("io_uring register eventfd: %w", err)
	}
	return nil
}

func (r *kernelRing) Close() error {
	if r.ring != nil {
		r.ring.QueueExit()
		r.ring = nil
	}
	return nil
}
