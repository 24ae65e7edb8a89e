// Package device implements virtio-blk style device transports: a simulated
// device serving reads from a storage backend, and a device reading a disk
// image through io_uring.
package device

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

var (
	// ErrQueueFull is returned by SubmitRead when every token is in use
	ErrQueueFull = errors.New("device queue full")

	// ErrBadLength is returned for reads that are not a positive multiple
	// of the sector size
	ErrBadLength = errors.New("read length not a positive multiple of the sector size")

	// ErrNotCompleted is returned by Finalize for a token that is not the
	// next completion
	ErrNotCompleted = errors.New("token is not the next completion")

	// ErrDescriptorMismatch is returned by Finalize when the descriptors do
	// not match the ones given at submission
	ErrDescriptorMismatch = errors.New("descriptors do not match submission")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("device closed")
)

// tokenPool hands out the tokens 0..capacity-1, lowest first
type tokenPool struct {
	free []virtio.Token
}

func newTokenPool(capacity int) tokenPool {
	free := make([]virtio.Token, capacity)
	for i := range free {
		free[i] = virtio.Token(capacity - 1 - i)
	}
	return tokenPool{free: free}
}

func (p *tokenPool) get() (virtio.Token, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	tok := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return tok, true
}

func (p *tokenPool) put(tok virtio.Token) {
	p.free = append(p.free, tok)
}

func (p *tokenPool) available() int {
	return len(p.free)
}

// checkCapacity validates a configured queue size
func checkCapacity(n int) error {
	if n <= 0 || n > constants.MaxQueueSize {
		return fmt.Errorf("queue size %d out of range [1, %d]", n, constants.MaxQueueSize)
	}
	return nil
}

// checkRead validates a read request and fills the native request header
func checkRead(blockID uint64, buf dma.Range, req *virtio.BlkReq, resp *virtio.BlkResp) error {
	if req == nil || resp == nil {
		return fmt.Errorf("nil descriptor: %w", ErrDescriptorMismatch)
	}
	if buf.Len() == 0 || buf.Len()%constants.SectorSize != 0 {
		return fmt.Errorf("block %d len %d: %w", blockID, buf.Len(), ErrBadLength)
	}
	*req = virtio.BlkReq{Type: virtio.ReqTypeIn, Sector: blockID}
	resp.Reset()
	return nil
}

// completion tracks the descriptors of one outstanding operation
type completion struct {
	busy bool
	req  *virtio.BlkReq
	resp *virtio.BlkResp
	buf  dma.Range
}

// matches reports whether the finalize arguments are the submitted ones
func (c *completion) matches(req *virtio.BlkReq, buf dma.Range, resp *virtio.BlkResp) bool {
	return c.req == req && c.resp == resp && c.buf.Ptr() == buf.Ptr() && c.buf.Len() == buf.Len()
}
