package virtblk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrMockClosed is returned by the mocks after Close
var ErrMockClosed = errors.New("mock closed")

// MockTransport is a scriptable device for testing code built on Driver.
// Reads are held until Complete or CompleteAll is called; the bytes of a
// completed read are filled from Fill when it is set.
type MockTransport struct {
	mu sync.Mutex

	capacity int
	inflight map[Token]*mockOp
	used     []Token
	closed   bool

	// Fill populates the buffer of a read as it completes
	Fill func(blockID uint64, buf []byte)

	// SubmitErr, when set, is returned by the next SubmitRead
	SubmitErr error

	// forced, when set, is the token the next SubmitRead returns
	forced *Token

	// Method call tracking
	submitCalls   int
	finalizeCalls int
	ackCalls      int
}

type mockOp struct {
	blockID uint64
	buf     BufferRange
	req     *BlkReq
	resp    *BlkResp
	status  DeviceStatus
	done    bool
}

// NewMockTransport creates a mock device accepting capacity outstanding
// reads
func NewMockTransport(capacity int) *MockTransport {
	return &MockTransport{
		capacity: capacity,
		inflight: make(map[Token]*mockOp),
	}
}

// SubmitRead implements the Transport interface
func (m *MockTransport) SubmitRead(blockID uint64, buf BufferRange, req *BlkReq, resp *BlkResp) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitCalls++

	if m.closed {
		return 0, ErrMockClosed
	}
	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.SubmitErr = nil
		return 0, err
	}
	if len(m.inflight) >= m.capacity && m.forced == nil {
		return 0, fmt.Errorf("mock transport: %d reads outstanding", len(m.inflight))
	}

	tok := m.nextToken()
	if m.forced != nil {
		tok = *m.forced
		m.forced = nil
	}
	if _, dup := m.inflight[tok]; !dup {
		m.inflight[tok] = &mockOp{blockID: blockID, buf: buf, req: req, resp: resp}
	}
	resp.Status = DeviceStatusNotReady
	return tok, nil
}

// nextToken returns the lowest token not outstanding
func (m *MockTransport) nextToken() Token {
	for tok := Token(0); ; tok++ {
		if _, busy := m.inflight[tok]; !busy {
			return tok
		}
	}
}

// PeekCompleted implements the Transport interface
func (m *MockTransport) PeekCompleted() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) == 0 {
		return 0, false
	}
	return m.used[0], true
}

// Finalize implements the Transport interface
func (m *MockTransport) Finalize(tok Token, req *BlkReq, buf BufferRange, resp *BlkResp) (DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finalizeCalls++

	if len(m.used) == 0 || m.used[0] != tok {
		return DeviceStatusNotReady, fmt.Errorf("mock transport: token %d is not the next completion", tok)
	}
	m.used = m.used[1:]

	op, ok := m.inflight[tok]
	if !ok {
		// Delivered twice; the first Finalize already consumed it
		return DeviceStatusNotReady, fmt.Errorf("mock transport: token %d already finalized", tok)
	}
	if op.req != req || op.resp != resp || op.buf.Ptr() != buf.Ptr() {
		return DeviceStatusNotReady, fmt.Errorf("mock transport: token %d descriptors do not match submission", tok)
	}
	delete(m.inflight, tok)
	resp.Status = op.status
	return op.status, nil
}

// Complete finishes the read held under tok with status and publishes its
// completion
func (m *MockTransport) Complete(tok Token, status DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.inflight[tok]
	if !ok || op.done {
		return fmt.Errorf("mock transport: token %d not outstanding", tok)
	}
	if m.Fill != nil && status == DeviceStatusOK {
		m.Fill(op.blockID, op.buf.Bytes)
	}
	op.status = status
	op.done = true
	m.used = append(m.used, tok)
	return nil
}

// CompleteAll finishes every held read with DeviceStatusOK, lowest token
// first, and returns how many were completed
func (m *MockTransport) CompleteAll() int {
	n := 0
	for _, tok := range m.Outstanding() {
		if m.Complete(tok, DeviceStatusOK) == nil {
			n++
		}
	}
	return n
}

// Redeliver publishes tok's completion again, simulating a device that
// reports one completion twice
func (m *MockTransport) Redeliver(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = append(m.used, tok)
}

// ForceToken makes the next SubmitRead return tok, even if tok is
// outstanding
func (m *MockTransport) ForceToken(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced = &tok
}

// Outstanding returns the held tokens that have not been completed, in
// ascending order
func (m *MockTransport) Outstanding() []Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toks []Token
	for tok, op := range m.inflight {
		if !op.done {
			toks = append(toks, tok)
		}
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i] < toks[j] })
	return toks
}

// AckInterrupt implements the Transport interface
func (m *MockTransport) AckInterrupt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackCalls++
}

// Capacity implements the Transport interface
func (m *MockTransport) Capacity() int {
	return m.capacity
}

// Close implements the Transport interface
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CallCounts returns the number of times each method has been called
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]int{
		"submit":   m.submitCalls,
		"finalize": m.finalizeCalls,
		"ack":      m.ackCalls,
	}
}

// MockBackend provides a mock implementation of Backend for testing.
// It tracks method calls for verification.
type MockBackend struct {
	data   []byte
	size   int64
	closed bool

	// FailAt, when non-negative, makes reads covering that offset fail
	FailAt int64

	// Method call tracking
	mu         sync.RWMutex
	readCalls  int
	writeCalls int
}

// NewMockBackend creates a new mock backend with the specified size
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{
		data:   make([]byte, size),
		size:   size,
		FailAt: -1,
	}
}

// ReadAt implements the Backend interface
func (m *MockBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++

	if m.closed {
		return 0, ErrMockClosed
	}
	if m.FailAt >= 0 && m.FailAt >= off && m.FailAt < off+int64(len(p)) {
		return 0, fmt.Errorf("mock backend: injected failure at %d", m.FailAt)
	}
	if off >= m.size {
		return 0, fmt.Errorf("mock backend: offset %d beyond size %d", off, m.size)
	}

	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("mock backend: short read at %d", off)
	}
	return n, nil
}

// WriteAt implements the WriterBackend interface
func (m *MockBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++

	if m.closed {
		return 0, ErrMockClosed
	}
	if off >= m.size {
		return 0, ErrInvalidParameters
	}

	n := copy(m.data[off:], p)
	return n, nil
}

// Size implements the Backend interface
func (m *MockBackend) Size() int64 {
	return m.size
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}

// Stats implements the StatBackend interface
func (m *MockBackend) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"read_calls":  m.readCalls,
		"write_calls": m.writeCalls,
	}
}

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
	}
}

// Compile-time interface checks
var (
	_ Transport     = (*MockTransport)(nil)
	_ WriterBackend = (*MockBackend)(nil)
	_ StatBackend   = (*MockBackend)(nil)
)
