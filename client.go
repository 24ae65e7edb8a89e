package virtblk

import (
	"context"
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-virtblk/internal/blkio"
	"github.com/ehrlich-b/go-virtblk/internal/ctrl"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/notify"
	"github.com/ehrlich-b/go-virtblk/internal/ring"
)

// ErrRingFull is returned by Client.Read when the request ring has no free
// slot
var ErrRingFull = ring.ErrFull

// Client is the client's side of the rings shared with a Driver. It
// enqueues reads, notifies the driver, and reaps completions.
//
// A Client is not safe for concurrent use; the rings are single producer,
// single consumer.
type Client struct {
	requests    *ring.Ring
	completions *ring.Ring
	translator  *dma.Translator
	kick        *notify.Channel // client -> driver
	irq         *notify.Channel // driver -> client

	mu     sync.Mutex
	poller *notify.Poller
	closed bool
}

func newClient(comps *ctrl.Components) *Client {
	return &Client{
		requests:    comps.Requests,
		completions: comps.Completions,
		translator:  comps.Translator,
		kick:        comps.ClientKick,
		irq:         comps.ClientIRQ,
	}
}

// Read queues a read of length bytes from sector blockID into the DMA region
// at offset, and notifies the driver. cookie comes back unchanged in the
// completion.
func (c *Client) Read(blockID uint64, offset uint64, length uint32, cookie uint64) error {
	return c.Submit(blkio.NewRead(blockID, c.translator.Encode(offset), length, cookie))
}

// Submit queues an arbitrary request and notifies the driver. The driver
// only serves reads; anything else halts it.
func (c *Client) Submit(req Request) error {
	if err := c.requests.Enqueue(&req); err != nil {
		return fmt.Errorf("enqueue %s: %w", req.Type, err)
	}
	return c.kick.Notify()
}

// Reap dequeues every completion currently on the completion ring. When it
// frees any slots it notifies the driver, which may be holding completions
// back because the ring was full.
func (c *Client) Reap() ([]Request, error) {
	var done []Request
	for {
		req, ok, err := c.completions.Dequeue()
		if err != nil {
			return done, fmt.Errorf("dequeue completion: %w", err)
		}
		if !ok {
			break
		}
		done = append(done, req)
	}
	if len(done) == 0 {
		return nil, nil
	}
	if err := c.kick.Notify(); err != nil {
		return done, fmt.Errorf("notify driver: %w", err)
	}
	return done, nil
}

// Pending returns the number of requests the driver has not dequeued yet
func (c *Client) Pending() (int, error) {
	return c.requests.Len()
}

// Buffer returns the bytes of req's buffer inside the DMA region
func (c *Client) Buffer(req Request) ([]byte, error) {
	r, err := c.translator.Translate(req.Buf.Addr, req.Buf.Len)
	if err != nil {
		return nil, err
	}
	return r.Bytes, nil
}

// Region returns the whole DMA region as seen by the client
func (c *Client) Region() []byte {
	return c.translator.Region().Bytes()
}

// Wait blocks until the driver signals the client or ctx is done
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return notify.ErrClosed
	}
	if c.poller == nil {
		p, err := notify.NewPoller(c.irq)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.poller = p
	}
	p := c.poller
	c.mu.Unlock()

	_, err := p.Wait(ctx)
	return err
}

// ReadSync queues one read and waits for its completion. Other completions
// reaped while waiting are returned in extra.
func (c *Client) ReadSync(ctx context.Context, blockID uint64, offset uint64, length uint32, cookie uint64) (done Request, extra []Request, err error) {
	if err := c.Read(blockID, offset, length, cookie); err != nil {
		return Request{}, nil, err
	}
	for {
		reaped, err := c.Reap()
		if err != nil {
			return Request{}, extra, err
		}
		found := false
		for _, r := range reaped {
			if !found && r.Buf.Cookie == cookie {
				done, found = r, true
				continue
			}
			extra = append(extra, r)
		}
		if found {
			return done, extra, nil
		}
		if err := c.Wait(ctx); err != nil {
			return Request{}, extra, err
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.poller != nil {
		c.poller.Close()
		c.poller = nil
	}
}
