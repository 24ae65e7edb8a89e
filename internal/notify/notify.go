// Package notify implements the notification lines between the driver, its
// client and the device (eventfds), and the multiplexer the runtime loop
// blocks on (epoll).
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// ErrClosed is returned by Wait after Close
var ErrClosed = errors.New("poller closed")

// Channel is one notification line, identified by a small integer.
type Channel struct {
	id  int
	efd eventfd.Eventfd
}

// NewChannel creates a channel backed by a fresh eventfd
func NewChannel(id int) (*Channel, error) {
	efd, err := eventfd.Create()
	if err != nil {
		return nil, fmt.Errorf("channel %d: create eventfd: %w", id, err)
	}
	return &Channel{id: id, efd: efd}, nil
}

// ID returns the channel identifier
func (c *Channel) ID() int {
	return c.id
}

// FD returns the underlying eventfd
func (c *Channel) FD() int {
	return c.efd.FD()
}

// Notify raises the channel
func (c *Channel) Notify() error {
	return c.efd.Notify()
}

// Wait blocks until the channel is raised and consumes the notification
func (c *Channel) Wait() error {
	return c.efd.Wait()
}

// Consume reads and clears the pending notification count. It blocks when
// nothing is pending, so callers only use it after readiness is known.
func (c *Channel) Consume() (uint64, error) {
	return c.efd.Read()
}

// Close releases the eventfd
func (c *Channel) Close() error {
	return c.efd.Close()
}

// Poller waits for any of a set of channels to be raised
type Poller struct {
	epfd     int
	channels map[int32]*Channel
	stop     eventfd.Eventfd
	events   []unix.EpollEvent

	mu     sync.Mutex
	closed bool
}

// NewPoller creates a poller over chs
func NewPoller(chs ...*Channel) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	stop, err := eventfd.Create()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("create stop eventfd: %w", err)
	}

	p := &Poller{
		epfd:     epfd,
		channels: make(map[int32]*Channel, len(chs)),
		stop:     stop,
		events:   make([]unix.EpollEvent, len(chs)+1),
	}

	if err := p.add(stop.FD()); err != nil {
		p.Close()
		return nil, err
	}
	for _, ch := range chs {
		if err := p.add(ch.FD()); err != nil {
			p.Close()
			return nil, fmt.Errorf("channel %d: %w", ch.ID(), err)
		}
		p.channels[int32(ch.FD())] = ch
	}

	return p, nil
}

func (p *Poller) add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one channel is raised, consumes the pending
// notifications of every raised channel, and returns their ids in ascending
// order. It returns ctx.Err() once ctx is done.
func (p *Poller) Wait(ctx context.Context) ([]int, error) {
	stopKick := context.AfterFunc(ctx, func() { p.Kick() })
	defer stopKick()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := unix.EpollWait(p.epfd, p.events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if p.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}

		var ready []int
		for i := 0; i < n; i++ {
			fd := p.events[i].Fd
			if fd == int32(p.stop.FD()) {
				if _, err := p.stop.Read(); err != nil {
					return nil, fmt.Errorf("drain stop eventfd: %w", err)
				}
				continue
			}
			ch, ok := p.channels[fd]
			if !ok {
				continue
			}
			if _, err := ch.Consume(); err != nil {
				return nil, fmt.Errorf("channel %d: consume: %w", ch.ID(), err)
			}
			ready = append(ready, ch.ID())
		}

		if len(ready) > 0 {
			sort.Ints(ready)
			return ready, nil
		}
		if p.isClosed() {
			return nil, ErrClosed
		}
	}
}

// Kick wakes a blocked Wait without raising any channel
func (p *Poller) Kick() error {
	return p.stop.Notify()
}

func (p *Poller) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close releases the epoll instance. Channels stay open; their owners close
// them.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.stop.Notify()
	err := unix.Close(p.epfd)
	p.stop.Close()
	return err
}
