package device

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
	"github.com/ehrlich-b/go-virtblk/internal/notify"
	"github.com/ehrlich-b/go-virtblk/internal/uring"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

// UringConfig configures an io_uring backed device
type UringConfig struct {
	Path      string // disk image
	QueueSize int
	Interrupt *notify.Channel // registered with the ring; may be nil
	Ring      uring.Ring      // optional, created from QueueSize when nil
	Logger    *logging.Logger
}

// Uring is a device that serves reads from a disk image through io_uring.
// Tokens travel as SQE user data. The kernel signals the interrupt channel
// through a registered eventfd whenever a CQE is posted.
type Uring struct {
	file   *os.File
	size   int64
	ring   uring.Ring
	logger *logging.Logger

	mu      sync.Mutex
	tokens  tokenPool
	slots   []completion
	ready   []virtio.Token
	reaped  []uring.Completion
	closed  bool
	closeMu sync.Once

	acks atomic.Uint64
}

// NewUring opens the image at config.Path and sets up the ring
func NewUring(config UringConfig) (*Uring, error) {
	if err := checkCapacity(config.QueueSize); err != nil {
		return nil, fmt.Errorf("uring device: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	f, err := os.Open(config.Path)
	if err != nil {
		return nil, fmt.Errorf("uring device: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("uring device: stat %s: %w", config.Path, err)
	}

	ring := config.Ring
	if ring == nil {
		ring, err = uring.NewRing(uring.Config{Entries: uint32(config.QueueSize)})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("uring device: %w", err)
		}
	}
	if config.Interrupt != nil {
		if err := ring.RegisterEventFD(config.Interrupt.FD()); err != nil {
			ring.Close()
			f.Close()
			return nil, fmt.Errorf("uring device: %w", err)
		}
	}

	logger.Info("opened disk image", "path", config.Path, "size", info.Size(), "queue_size", config.QueueSize)
	return &Uring{
		file:   f,
		size:   info.Size(),
		ring:   ring,
		logger: logger.WithDevice("uring"),
		tokens: newTokenPool(config.QueueSize),
		slots:  make([]completion, config.QueueSize),
		ready:  make([]virtio.Token, 0, config.QueueSize),
		reaped: make([]uring.Completion, config.QueueSize),
	}, nil
}

// Size returns the size of the disk image in bytes
func (u *Uring) Size() int64 {
	return u.size
}

// SubmitRead implements interfaces.Transport
func (u *Uring) SubmitRead(blockID uint64, buf dma.Range, req *virtio.BlkReq, resp *virtio.BlkResp) (virtio.Token, error) {
	if err := checkRead(blockID, buf, req, resp); err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrClosed
	}
	tok, ok := u.tokens.get()
	if !ok {
		return 0, ErrQueueFull
	}

	offset := blockID * constants.SectorSize
	if err := u.ring.PrepareRead(int(u.file.Fd()), buf.Bytes, offset, uint64(tok)); err != nil {
		u.tokens.put(tok)
		return 0, fmt.Errorf("token %d: %w", tok, err)
	}
	if _, err := u.ring.Submit(); err != nil {
		u.tokens.put(tok)
		return 0, fmt.Errorf("token %d: %w", tok, err)
	}

	u.slots[tok] = completion{busy: true, req: req, resp: resp, buf: buf}
	return tok, nil
}

// reap moves posted CQEs onto the ready list. Caller holds u.mu.
func (u *Uring) reap() {
	n := u.ring.Reap(u.reaped)
	for i := 0; i < n; i++ {
		c := u.reaped[i]
		tok := virtio.Token(c.UserData)
		if int(tok) >= len(u.slots) || !u.slots[tok].busy {
			u.logger.Warn("dropping completion for idle token", "token", c.UserData)
			continue
		}

		slot := &u.slots[tok]
		if c.Error() == nil && int(c.Value()) == slot.buf.Len() {
			slot.resp.Status = virtio.RespStatusOK
		} else {
			u.logger.Debug("read failed", "token", tok, "res", c.Res, "error", c.Error())
			slot.resp.Status = virtio.RespStatusIOErr
		}
		u.ready = append(u.ready, tok)
	}
}

// PeekCompleted implements interfaces.Transport
func (u *Uring) PeekCompleted() (virtio.Token, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.ready) == 0 && !u.closed {
		u.reap()
	}
	if len(u.ready) == 0 {
		return 0, false
	}
	return u.ready[0], true
}

// Finalize implements interfaces.Transport
func (u *Uring) Finalize(tok virtio.Token, req *virtio.BlkReq, buf dma.Range, resp *virtio.BlkResp) (virtio.RespStatus, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.ready) == 0 || u.ready[0] != tok {
		return virtio.RespStatusNotReady, fmt.Errorf("token %d: %w", tok, ErrNotCompleted)
	}
	slot := &u.slots[tok]
	if !slot.matches(req, buf, resp) {
		return virtio.RespStatusNotReady, fmt.Errorf("token %d: %w", tok, ErrDescriptorMismatch)
	}

	u.ready = u.ready[1:]
	status := slot.resp.Status
	*slot = completion{}
	u.tokens.put(tok)
	return status, nil
}

// AckInterrupt implements interfaces.Transport. The eventfd counter is
// drained by the poller, so acknowledging only records the event.
func (u *Uring) AckInterrupt() {
	u.acks.Add(1)
}

// Acks returns how many interrupts were acknowledged
func (u *Uring) Acks() uint64 {
	return u.acks.Load()
}

// Capacity implements interfaces.Transport
func (u *Uring) Capacity() int {
	return len(u.slots)
}

// Close tears down the ring and closes the image
func (u *Uring) Close() error {
	var err error
	u.closeMu.Do(func() {
		u.mu.Lock()
		u.closed = true
		u.mu.Unlock()

		if rerr := u.ring.Close(); rerr != nil {
			err = rerr
		}
		if ferr := u.file.Close(); ferr != nil && err == nil {
			err = ferr
		}
	})
	return err
}

var _ interfaces.Transport = (*Uring)(nil)
