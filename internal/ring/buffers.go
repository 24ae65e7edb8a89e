package ring

import (
	"github.com/ehrlich-b/go-virtblk/internal/blkio"
)

// Buffers is the driver's view of the queue pair shared with one client:
// requests flow in on the request ring, completions flow out on the
// completion ring, and notify signals the client.
type Buffers struct {
	requests    *Ring
	completions *Ring
	notify      func() error
}

// NewBuffers pairs a request ring with a completion ring. notify may be nil.
func NewBuffers(requests, completions *Ring, notify func() error) *Buffers {
	return &Buffers{
		requests:    requests,
		completions: completions,
		notify:      notify,
	}
}

// DequeueRequest takes the next client request
func (b *Buffers) DequeueRequest() (blkio.BlockIORequest, bool, error) {
	return b.requests.Dequeue()
}

// RequestQueueEmpty reports whether the client has queued nothing
func (b *Buffers) RequestQueueEmpty() bool {
	return b.requests.IsEmpty()
}

// EnqueueCompletion returns a finished request to the client. ErrFull is
// returned when the completion ring has no free slot.
func (b *Buffers) EnqueueCompletion(req blkio.BlockIORequest) error {
	return b.completions.Enqueue(&req)
}

// CompletionQueueFull reports whether EnqueueCompletion would fail
func (b *Buffers) CompletionQueueFull() bool {
	return b.completions.IsFull()
}

// NotifyPeer signals the client
func (b *Buffers) NotifyPeer() error {
	if b.notify == nil {
		return nil
	}
	return b.notify()
}

// Requests returns the request ring
func (b *Buffers) Requests() *Ring {
	return b.requests
}

// Completions returns the completion ring
func (b *Buffers) Completions() *Ring {
	return b.completions
}
