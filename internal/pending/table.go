// Package pending tracks device operations that have been submitted and not
// yet completed.
package pending

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/blkio"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

var (
	// ErrDuplicateToken is returned when a token is inserted twice
	ErrDuplicateToken = errors.New("duplicate token")

	// ErrUnknownToken is returned when removing a token that is not in flight
	ErrUnknownToken = errors.New("unknown token")

	// ErrTableFull is returned when inserting past the table capacity
	ErrTableFull = errors.New("pending table full")
)

// Entry is the driver-owned bundle for one in-flight operation. The device
// transport may hold the addresses of Req and Resp from submission until
// finalization, so an Entry is pinned for that window and always handled
// through its pointer.
type Entry struct {
	Request   blkio.BlockIORequest // originating client request
	Req       virtio.BlkReq        // device-readable header
	Resp      virtio.BlkResp       // device-writable footer
	Submitted time.Time

	pinner runtime.Pinner
	pinned bool
}

// Reset prepares the entry for a new request with fresh native descriptors
func (e *Entry) Reset(req blkio.BlockIORequest) {
	e.Request = req
	e.Req = virtio.BlkReq{}
	e.Resp = virtio.NewBlkResp()
	e.Submitted = time.Time{}
}

// Pin fixes the entry in memory until Unpin
func (e *Entry) Pin() {
	if e.pinned {
		return
	}
	e.pinner.Pin(e)
	e.pinned = true
}

// Unpin releases the pin taken by Pin
func (e *Entry) Unpin() {
	if !e.pinned {
		return
	}
	e.pinner.Unpin()
	e.pinned = false
}

// Pinned reports whether the entry is currently pinned
func (e *Entry) Pinned() bool {
	return e.pinned
}

// Table maps device tokens to in-flight entries. A token is present exactly
// while its device operation is outstanding. The table is not safe for
// concurrent use; it is owned by the single event loop thread.
type Table struct {
	entries  map[virtio.Token]*Entry
	capacity int
}

// NewTable creates a table holding at most capacity entries
func NewTable(capacity int) *Table {
	return &Table{
		entries:  make(map[virtio.Token]*Entry, capacity),
		capacity: capacity,
	}
}

// Insert records an in-flight entry. The table is unchanged on error.
func (t *Table) Insert(tok virtio.Token, e *Entry) error {
	if _, exists := t.entries[tok]; exists {
		return fmt.Errorf("token %d: %w", tok, ErrDuplicateToken)
	}
	if len(t.entries) >= t.capacity {
		return fmt.Errorf("token %d: %d entries in flight: %w", tok, len(t.entries), ErrTableFull)
	}
	t.entries[tok] = e
	return nil
}

// Remove takes the entry for tok out of the table. A second Remove for the
// same token fails with ErrUnknownToken.
func (t *Table) Remove(tok virtio.Token) (*Entry, error) {
	e, ok := t.entries[tok]
	if !ok {
		return nil, fmt.Errorf("token %d: %w", tok, ErrUnknownToken)
	}
	delete(t.entries, tok)
	return e, nil
}

// Lookup returns the entry for tok without removing it
func (t *Table) Lookup(tok virtio.Token) (*Entry, bool) {
	e, ok := t.entries[tok]
	return e, ok
}

// Len returns the number of in-flight entries
func (t *Table) Len() int {
	return len(t.entries)
}

// Cap returns the table capacity
func (t *Table) Cap() int {
	return t.capacity
}

// Full reports whether no further entry can be inserted
func (t *Table) Full() bool {
	return len(t.entries) >= t.capacity
}

// Tokens returns the in-flight tokens in ascending order
func (t *Table) Tokens() []virtio.Token {
	toks := make([]virtio.Token, 0, len(t.entries))
	for tok := range t.entries {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
	return toks
}
