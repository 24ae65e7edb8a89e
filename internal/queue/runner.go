// Package queue implements the driver core: the Submission Path that moves
// client requests onto the device, the Completion Path that returns finished
// device operations to the client, and the notification handler that drives
// both.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/blkio"
	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
	"github.com/ehrlich-b/go-virtblk/internal/pending"
	"github.com/ehrlich-b/go-virtblk/internal/virtio"
)

var (
	// ErrUnsupportedOp is returned when the client queues anything but a read
	ErrUnsupportedOp = errors.New("unsupported request type")

	// ErrDeviceStatus is returned when the device reports a failed read and
	// the policy is DeviceErrorHalt
	ErrDeviceStatus = errors.New("device reported failure")

	// ErrUnknownChannel is returned for notifications on unexpected channels
	ErrUnknownChannel = errors.New("unknown notification channel")

	// ErrCompletionRejected is returned when the completion ring refuses a
	// completion after reporting free space
	ErrCompletionRejected = errors.New("completion ring rejected completion")

	// ErrTransport wraps failures of the device transport itself
	ErrTransport = errors.New("device transport failure")
)

// TokenError ties a failure to the device token it concerns. Err already
// names the token in its message.
type TokenError struct {
	Token virtio.Token
	Err   error
}

func (e *TokenError) Error() string { return e.Err.Error() }
func (e *TokenError) Unwrap() error { return e.Err }

// DeviceErrorPolicy selects what happens when the device completes a read
// with a status other than OK.
type DeviceErrorPolicy int

const (
	// DeviceErrorHalt stops the driver with ErrDeviceStatus
	DeviceErrorHalt DeviceErrorPolicy = iota
	// DeviceErrorReport completes the request with StatusIOError
	DeviceErrorReport
)

func (p DeviceErrorPolicy) String() string {
	switch p {
	case DeviceErrorHalt:
		return "halt"
	case DeviceErrorReport:
		return "report"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDeviceErrorPolicy parses "halt" or "report"
func ParseDeviceErrorPolicy(s string) (DeviceErrorPolicy, error) {
	switch s {
	case "", "halt":
		return DeviceErrorHalt, nil
	case "report":
		return DeviceErrorReport, nil
	default:
		return 0, fmt.Errorf("unknown device error policy %q", s)
	}
}

// Config wires a Runner to its collaborators
type Config struct {
	QueueSize    int // outstanding-operation limit
	Transport    interfaces.Transport
	Queues       interfaces.Queues
	Translator   *dma.Translator
	DeviceErrors DeviceErrorPolicy
	Logger       *logging.Logger
	Observer     interfaces.Observer // optional
}

// Runner owns the pending table and bridges the client rings to the device.
//
// A Runner is not safe for concurrent use. Notifications from the device and
// the client must be serialized by the caller.
type Runner struct {
	queueSize  int
	transport  interfaces.Transport
	queues     interfaces.Queues
	translator *dma.Translator
	policy     DeviceErrorPolicy
	logger     *logging.Logger
	observer   interfaces.Observer

	table *pending.Table
	pool  *entryPool

	// stranded keeps entries the device may still reference after a
	// duplicate token was reported
	stranded []*pending.Entry

	// halted holds the first fatal error; once set every notification
	// returns it without touching any state
	halted error
}

// NewRunner creates a runner. The queue size may not exceed the capacity of
// the transport.
func NewRunner(config Config) (*Runner, error) {
	if config.Transport == nil || config.Queues == nil || config.Translator == nil {
		return nil, fmt.Errorf("runner: transport, queues and translator are required")
	}
	if config.QueueSize <= 0 || config.QueueSize > constants.MaxQueueSize {
		return nil, fmt.Errorf("runner: queue size %d out of range [1, %d]", config.QueueSize, constants.MaxQueueSize)
	}
	if capacity := config.Transport.Capacity(); config.QueueSize > capacity {
		return nil, fmt.Errorf("runner: queue size %d exceeds device capacity %d", config.QueueSize, capacity)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Runner{
		queueSize:  config.QueueSize,
		transport:  config.Transport,
		queues:     config.Queues,
		translator: config.Translator,
		policy:     config.DeviceErrors,
		logger:     logger,
		observer:   observer,
		table:      pending.NewTable(config.QueueSize),
		pool:       newEntryPool(),
	}, nil
}

// Init acknowledges any interrupt raised before the runner existed. It is
// called once, before the first notification.
func (r *Runner) Init() {
	r.transport.AckInterrupt()
}

// Notified handles one notification from the device or the client. It
// drains completions, then submissions, signals the client if either made
// progress, and always acknowledges the device interrupt.
//
// A returned error other than one wrapping ErrUnknownChannel is fatal: the
// runner keeps returning it and never touches its state again.
func (r *Runner) Notified(ch int) error {
	if r.halted != nil {
		return r.halted
	}
	if ch != constants.ChannelDevice && ch != constants.ChannelClient {
		return fmt.Errorf("channel %d: %w", ch, ErrUnknownChannel)
	}

	completed, err := r.ProcessCompletions()
	if err != nil {
		return r.halt(err)
	}
	submitted, err := r.ProcessSubmissions()
	if err != nil {
		return r.halt(err)
	}

	notify := completed || submitted
	if notify {
		if err := r.queues.NotifyPeer(); err != nil {
			return r.halt(fmt.Errorf("notify client: %w", err))
		}
	}

	r.transport.AckInterrupt()
	r.observer.ObserveTrigger(ch, notify)
	return nil
}

// halt records the first fatal error
func (r *Runner) halt(err error) error {
	r.halted = err
	r.logger.Error("driver halted", "error", err, "in_flight", r.table.Len())
	return err
}

// Halted returns the fatal error that stopped the runner, if any
func (r *Runner) Halted() error {
	return r.halted
}

// ProcessCompletions moves every finished device operation to the
// completion ring. It stops early, leaving the completion with the device,
// when the completion ring is full; the next notification resumes it.
func (r *Runner) ProcessCompletions() (bool, error) {
	progress := false

	for {
		tok, ok := r.transport.PeekCompleted()
		if !ok {
			return progress, nil
		}
		if r.queues.CompletionQueueFull() {
			r.logger.Debug("completion ring full, deferring", "token", tok)
			r.observer.ObserveDeferred()
			return progress, nil
		}

		if err := r.complete(tok); err != nil {
			return progress, err
		}
		progress = true
	}
}

// complete finalizes one device operation and hands it to the client
func (r *Runner) complete(tok virtio.Token) error {
	entry, err := r.table.Remove(tok)
	if err != nil {
		r.logger.Error("completion for token not in flight", "token", tok)
		return &TokenError{Token: tok, Err: err}
	}
	r.observer.ObserveInFlight(uint32(r.table.Len()))

	req := entry.Request
	buf, err := r.translator.Translate(req.Buf.Addr, req.Buf.Len)
	if err != nil {
		entry.Unpin()
		return &TokenError{Token: tok, Err: fmt.Errorf("token %d: %w", tok, err)}
	}

	devStatus, err := r.transport.Finalize(tok, &entry.Req, buf, &entry.Resp)
	if err != nil {
		entry.Unpin()
		return &TokenError{Token: tok, Err: fmt.Errorf("finalize token %d: %w: %w", tok, ErrTransport, err)}
	}

	status, err := r.mapStatus(tok, req, devStatus)
	if err != nil {
		entry.Unpin()
		return &TokenError{Token: tok, Err: err}
	}

	latency := time.Since(entry.Submitted)
	req = req.Complete(status)
	if err := r.queues.EnqueueCompletion(req); err != nil {
		entry.Unpin()
		return &TokenError{Token: tok, Err: fmt.Errorf("token %d: %w: %w", tok, ErrCompletionRejected, err)}
	}

	r.logger.Debug("completed read", "token", tok, "block", req.BlockID, "len", req.Buf.Len, "status", status.String())
	r.observer.ObserveComplete(uint64(req.Buf.Len), latency, status == blkio.StatusOk)
	r.pool.put(entry)
	return nil
}

// mapStatus converts a device status into the client-visible status
func (r *Runner) mapStatus(tok virtio.Token, req blkio.BlockIORequest, status virtio.RespStatus) (blkio.RequestStatus, error) {
	if status == virtio.RespStatusOK {
		return blkio.StatusOk, nil
	}

	logger := r.logger.WithRequest(uint16(tok), req.Type.String())
	if r.policy == DeviceErrorReport {
		logger.Warn("device read failed", "block", req.BlockID, "device_status", status.String())
		return blkio.StatusIOError, nil
	}
	logger.Error("device read failed", "block", req.BlockID, "device_status", status.String())
	return 0, fmt.Errorf("token %d block %d: %w: %s", tok, req.BlockID, ErrDeviceStatus, status)
}

// ProcessSubmissions moves client requests onto the device while fewer than
// QueueSize operations are outstanding.
func (r *Runner) ProcessSubmissions() (bool, error) {
	progress := false

	for r.table.Len() < r.queueSize && !r.queues.RequestQueueEmpty() {
		req, ok, err := r.queues.DequeueRequest()
		if err != nil {
			return progress, fmt.Errorf("dequeue request: %w", err)
		}
		if !ok {
			return progress, nil
		}

		if err := r.submit(req); err != nil {
			return progress, err
		}
		progress = true
	}

	return progress, nil
}

// submit hands one client request to the device
func (r *Runner) submit(req blkio.BlockIORequest) error {
	if req.Type != blkio.TypeRead {
		r.logger.Error("client queued unsupported request", "op", req.Type.String(), "block", req.BlockID)
		return fmt.Errorf("block %d: %w: %s", req.BlockID, ErrUnsupportedOp, req.Type)
	}

	entry := r.pool.get()
	entry.Reset(req)

	buf, err := r.translator.Translate(req.Buf.Addr, req.Buf.Len)
	if err != nil {
		r.pool.put(entry)
		r.logger.Error("buffer outside dma region", "block", req.BlockID, "addr", req.Buf.Addr, "len", req.Buf.Len)
		return fmt.Errorf("block %d: %w", req.BlockID, err)
	}

	entry.Pin()
	entry.Submitted = time.Now()
	tok, err := r.transport.SubmitRead(req.BlockID, buf, &entry.Req, &entry.Resp)
	if err != nil {
		r.pool.put(entry)
		return fmt.Errorf("submit block %d: %w: %w", req.BlockID, ErrTransport, err)
	}

	if err := r.table.Insert(tok, entry); err != nil {
		// The device now holds a second operation under tok; entry stays
		// pinned since the device may still write into it.
		r.stranded = append(r.stranded, entry)
		r.logger.Error("device reused an outstanding token", "token", tok, "block", req.BlockID)
		return &TokenError{Token: tok, Err: err}
	}

	r.logger.Debug("submitted read", "token", tok, "block", req.BlockID, "len", req.Buf.Len)
	r.observer.ObserveSubmit(uint64(req.Buf.Len))
	r.observer.ObserveInFlight(uint32(r.table.Len()))
	return nil
}

// InFlight returns the number of outstanding device operations
func (r *Runner) InFlight() int {
	return r.table.Len()
}

// QueueSize returns the outstanding-operation limit
func (r *Runner) QueueSize() int {
	return r.queueSize
}

// Tokens returns the outstanding tokens in ascending order
func (r *Runner) Tokens() []virtio.Token {
	return r.table.Tokens()
}

type nopObserver struct{}

func (nopObserver) ObserveSubmit(uint64)                        {}
func (nopObserver) ObserveComplete(uint64, time.Duration, bool) {}
func (nopObserver) ObserveInFlight(uint32)                      {}
func (nopObserver) ObserveDeferred()                            {}
func (nopObserver) ObserveTrigger(int, bool)                    {}
