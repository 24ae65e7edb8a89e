package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
	"github.com/ehrlich-b/go-virtblk/internal/notify"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

// SimConfig configures a simulated device
type SimConfig struct {
	Backend   interfaces.Backend
	QueueSize int
	Interrupt *notify.Channel // raised after each completion; may be nil
	Latency   time.Duration   // artificial service time per request
	Logger    *logging.Logger
}

// Sim is a virtio-blk device simulated in software. Each submitted read is
// serviced on its own goroutine, so completions arrive in arbitrary order.
// Completions are consumed strictly in the order they were published.
type Sim struct {
	backend interfaces.Backend
	irq     *notify.Channel
	latency time.Duration
	logger  *logging.Logger

	mu     sync.Mutex
	tokens tokenPool
	slots  []completion
	used   []virtio.Token
	closed bool
	wg     sync.WaitGroup

	acks atomic.Uint64
}

// NewSim creates a simulated device
func NewSim(config SimConfig) (*Sim, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("sim device: nil backend")
	}
	if err := checkCapacity(config.QueueSize); err != nil {
		return nil, fmt.Errorf("sim device: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Sim{
		backend: config.Backend,
		irq:     config.Interrupt,
		latency: config.Latency,
		logger:  logger.WithDevice("sim"),
		tokens:  newTokenPool(config.QueueSize),
		slots:   make([]completion, config.QueueSize),
		used:    make([]virtio.Token, 0, config.QueueSize),
	}, nil
}

// SubmitRead implements interfaces.Transport
func (s *Sim) SubmitRead(blockID uint64, buf dma.Range, req *virtio.BlkReq, resp *virtio.BlkResp) (virtio.Token, error) {
	if err := checkRead(blockID, buf, req, resp); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	tok, ok := s.tokens.get()
	if !ok {
		s.mu.Unlock()
		return 0, ErrQueueFull
	}
	s.slots[tok] = completion{busy: true, req: req, resp: resp, buf: buf}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.service(tok, blockID, buf)
	return tok, nil
}

// service performs the read and publishes the completion
func (s *Sim) service(tok virtio.Token, blockID uint64, buf dma.Range) {
	defer s.wg.Done()

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	status := virtio.RespStatusOK
	off := int64(blockID) * constants.SectorSize
	if blockID > uint64(s.backend.Size())/constants.SectorSize {
		status = virtio.RespStatusIOErr
	} else if n, err := s.backend.ReadAt(buf.Bytes, off); err != nil || n != buf.Len() {
		s.logger.Debug("backend read failed", "token", tok, "block", blockID, "n", n, "error", err)
		status = virtio.RespStatusIOErr
	}

	s.mu.Lock()
	s.slots[tok].resp.Status = status
	s.used = append(s.used, tok)
	s.mu.Unlock()

	if s.irq != nil {
		if err := s.irq.Notify(); err != nil {
			s.logger.Error("raise interrupt failed", "error", err)
		}
	}
}

// PeekCompleted implements interfaces.Transport
func (s *Sim) PeekCompleted() (virtio.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.used) == 0 {
		return 0, false
	}
	return s.used[0], true
}

// Finalize implements interfaces.Transport
func (s *Sim) Finalize(tok virtio.Token, req *virtio.BlkReq, buf dma.Range, resp *virtio.BlkResp) (virtio.RespStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.used) == 0 || s.used[0] != tok {
		return virtio.RespStatusNotReady, fmt.Errorf("token %d: %w", tok, ErrNotCompleted)
	}
	slot := &s.slots[tok]
	if !slot.matches(req, buf, resp) {
		return virtio.RespStatusNotReady, fmt.Errorf("token %d: %w", tok, ErrDescriptorMismatch)
	}

	s.used = s.used[1:]
	status := slot.resp.Status
	*slot = completion{}
	s.tokens.put(tok)
	return status, nil
}

// AckInterrupt implements interfaces.Transport
func (s *Sim) AckInterrupt() {
	s.acks.Add(1)
}

// Acks returns how many interrupts were acknowledged
func (s *Sim) Acks() uint64 {
	return s.acks.Load()
}

// Capacity implements interfaces.Transport
func (s *Sim) Capacity() int {
	return len(s.slots)
}

// Outstanding returns the number of tokens in use
func (s *Sim) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) - s.tokens.available()
}

// Close waits for in-flight service goroutines and rejects new submissions
func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

var _ interfaces.Transport = (*Sim)(nil)
