// Package virtblk provides a virtio-blk driver core that serves block reads
// to a client over a pair of shared-memory rings
package virtblk

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/ctrl"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
	"github.com/ehrlich-b/go-virtblk/internal/notify"
	"github.com/ehrlich-b/go-virtblk/internal/queue"
)

// Device types accepted in Params.DeviceType
const (
	DeviceTypeMem  = ctrl.DeviceTypeMem
	DeviceTypeFile = ctrl.DeviceTypeFile
)

// Device error policies accepted in Params.DeviceErrors
const (
	DeviceErrorsHalt   = "halt"
	DeviceErrorsReport = "report"
)

// Params contains parameters for creating a driver
type Params struct {
	// Outstanding device operation limit (default: 4)
	QueueSize int

	// What a failed device read does: "halt" stops the driver, "report"
	// completes the request with StatusIOError (default: halt)
	DeviceErrors string

	// Client DMA region. An empty path maps anonymous shared memory.
	DMAPath    string
	DMASize    int    // Region size in bytes (default: 2MB)
	ClientBase uint64 // Address the client encodes for region offset zero
	DeviceBase uint64 // Same origin as seen by the device

	// Request and completion rings
	RingPath  string // Backing file; empty maps anonymous shared memory
	RingSlots int    // Slots per ring, a power of two (default: 512)

	// Device
	DeviceType    string        // DeviceTypeMem or DeviceTypeFile
	DevicePath    string        // Disk image for DeviceTypeFile
	DeviceSize    int64         // Simulated disk size for DeviceTypeMem
	DeviceLatency time.Duration // Artificial service time for DeviceTypeMem

	// Backend replaces the patterned RAM disk behind DeviceTypeMem
	Backend Backend
}

// DefaultParams returns parameters for an in-process RAM disk
func DefaultParams() Params {
	defaults := ctrl.DefaultParams()
	return Params{
		QueueSize:    defaults.QueueSize,
		DeviceErrors: DeviceErrorsHalt,
		DMASize:      defaults.DMASize,
		ClientBase:   defaults.ClientBase,
		DeviceBase:   defaults.DeviceBase,
		RingSlots:    defaults.RingSlots,
		DeviceType:   defaults.DeviceType,
		DeviceSize:   defaults.DeviceSize,
	}
}

// Options contains additional options for driver creation
type Options struct {
	// Logger for driver events (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, records to Driver.Metrics)
	Observer Observer

	// Transport replaces the device described by Params
	Transport Transport
}

// DriverState represents the lifecycle state of a driver
type DriverState string

const (
	// DriverStateReady indicates the driver accepts notifications
	DriverStateReady DriverState = "ready"
	// DriverStateServing indicates Serve is running
	DriverStateServing DriverState = "serving"
	// DriverStateHalted indicates a fatal error stopped the driver
	DriverStateHalted DriverState = "halted"
	// DriverStateClosed indicates the driver has been closed
	DriverStateClosed DriverState = "closed"
)

// Driver bridges a client's request and completion rings to a device
type Driver struct {
	params  Params
	comps   *ctrl.Components
	runner  *queue.Runner
	client  *Client
	logger  *logging.Logger
	metrics *Metrics

	mu      sync.Mutex
	fatal   error
	serving bool
	closed  bool
	stop    context.CancelFunc
	done    chan struct{}

	released chan struct{} // closed once the components are released
}

// shutdownGrace bounds how long Close waits for Serve to return
var shutdownGrace = constants.ShutdownGrace

// New builds the driver's shared memory, rings, channels and device, and
// acknowledges any interrupt raised during setup. The driver is ready for
// Notified or Serve when New returns.
//
// Example:
//
//	params := virtblk.DefaultParams()
//	driver, err := virtblk.New(params, nil)
//	if err != nil { ... }
//	defer driver.Close()
//	go driver.Serve(ctx)
func New(params Params, options *Options) (*Driver, error) {
	if options == nil {
		options = &Options{}
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	policy, err := queue.ParseDeviceErrorPolicy(params.DeviceErrors)
	if err != nil {
		return nil, &Error{Op: "NEW", Token: -1, Code: ErrCodeInvalidParameters, Msg: err.Error(), Inner: err}
	}

	ctrlParams := convertToCtrlParams(params, options)
	if err := ctrl.Validate(&ctrlParams); err != nil {
		return nil, &Error{Op: "NEW", Token: -1, Code: ErrCodeInvalidParameters, Msg: err.Error(), Inner: err}
	}

	controller := ctrl.NewController()
	controller.SetLogger(logger)
	comps, err := controller.Build(&ctrlParams)
	if err != nil {
		return nil, fmt.Errorf("failed to build components: %w", err)
	}

	metrics := NewMetrics()
	observer := options.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	runner, err := queue.NewRunner(queue.Config{
		QueueSize:    params.QueueSize,
		Transport:    comps.Device,
		Queues:       comps.Buffers,
		Translator:   comps.Translator,
		DeviceErrors: policy,
		Logger:       logger,
		Observer:     observer,
	})
	if err != nil {
		comps.Close()
		return nil, &Error{Op: "NEW", Token: -1, Code: ErrCodeInvalidParameters, Msg: err.Error(), Inner: err}
	}

	runner.Init()
	metrics.RecordAck()

	d := &Driver{
		params:  params,
		comps:   comps,
		runner:  runner,
		logger:  logger,
		metrics: metrics,

		released: make(chan struct{}),
	}
	d.client = newClient(comps)

	logger.Info("driver ready",
		"queue_size", params.QueueSize,
		"device_errors", policy.String(),
		"device", params.DeviceType)
	return d, nil
}

// Notified handles one trigger: channel ChannelDevice for the device
// interrupt, ChannelClient for a client notification. Completions are
// drained first, then submissions, and the device interrupt is always
// acknowledged.
//
// A fatal error halts the driver; every later call returns the same error.
// A notification on an unknown channel returns an ErrCodeInvalidParameters
// error and leaves the driver running.
func (d *Driver) Notified(ch Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return NewError("NOTIFIED", ErrCodeInvalidParameters, "driver closed")
	}
	if d.fatal != nil {
		return d.fatal
	}

	if err := d.runner.Notified(int(ch)); err != nil {
		werr := WrapError("NOTIFIED", err)
		logger := d.logger.WithChannel(int(ch)).WithError(err)
		if IsFatal(werr) {
			d.fatal = werr
			d.metrics.RecordFatal()
			logger.Error("driver halted", "code", string(werr.Code), "token", werr.Token)
		} else {
			logger.Warn("ignored notification")
		}
		return werr
	}
	return nil
}

// Serve runs the event loop: it waits for the device interrupt and client
// notifications and handles each with Notified. Serve returns ctx.Err()
// when ctx is done, nil after Close, or the fatal error that halted the
// driver.
func (d *Driver) Serve(ctx context.Context) error {
	// One logical thread of control handles every trigger
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return NewError("SERVE", ErrCodeInvalidParameters, "driver closed")
	}
	if d.serving {
		d.mu.Unlock()
		return NewError("SERVE", ErrCodeInvalidParameters, "already serving")
	}
	if d.fatal != nil {
		d.mu.Unlock()
		return d.fatal
	}
	poller, err := notify.NewPoller(d.comps.DeviceIRQ, d.comps.ClientKick)
	if err != nil {
		d.mu.Unlock()
		return WrapError("SERVE", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	d.serving = true
	d.stop = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	defer func() {
		cancel()
		poller.Close()
		d.mu.Lock()
		d.serving = false
		d.stop = nil
		d.mu.Unlock()
		close(done)
	}()

	d.logger.Info("serving", "device_channel", d.comps.DeviceIRQ.ID(), "client_channel", d.comps.ClientKick.ID())

	for {
		ready, err := poller.Wait(ctx)
		if err != nil {
			if d.isClosed() || errors.Is(err, notify.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return WrapError("SERVE", err)
		}

		for _, ch := range ready {
			if err := d.Notified(Channel(ch)); err != nil {
				if d.isClosed() {
					return nil
				}
				if IsFatal(err) {
					return err
				}
			}
		}
	}
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// State returns the current state of the driver
func (d *Driver) State() DriverState {
	if d == nil {
		return DriverStateClosed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return DriverStateClosed
	case d.fatal != nil:
		return DriverStateHalted
	case d.serving:
		return DriverStateServing
	default:
		return DriverStateReady
	}
}

// Err returns the fatal error that halted the driver, if any
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

// InFlight returns the number of outstanding device operations
func (d *Driver) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runner.InFlight()
}

// QueueSize returns the outstanding-operation limit
func (d *Driver) QueueSize() int {
	return d.runner.QueueSize()
}

// Client returns the client side of the rings
func (d *Driver) Client() *Client {
	return d.client
}

// DriverInfo contains comprehensive information about a driver
type DriverInfo struct {
	State        DriverState `json:"state"`
	QueueSize    int         `json:"queue_size"`
	InFlight     int         `json:"in_flight"`
	DeviceErrors string      `json:"device_errors"`
	DMASize      int         `json:"dma_size"`
	ClientBase   uint64      `json:"client_base"`
	RingSlots    int         `json:"ring_slots"`
	DeviceType   string      `json:"device_type"`
	DeviceSize   int64       `json:"device_size"`
	Running      bool        `json:"running"`
}

// Info returns comprehensive information about the driver
func (d *Driver) Info() DriverInfo {
	if d == nil {
		return DriverInfo{}
	}

	state := d.State()
	policy := d.params.DeviceErrors
	if policy == "" {
		policy = DeviceErrorsHalt
	}
	return DriverInfo{
		State:        state,
		QueueSize:    d.runner.QueueSize(),
		InFlight:     d.InFlight(),
		DeviceErrors: policy,
		DMASize:      d.comps.DMA.Len(),
		ClientBase:   d.params.ClientBase,
		RingSlots:    d.comps.Requests.Cap(),
		DeviceType:   d.params.DeviceType,
		DeviceSize:   d.comps.DeviceSize,
		Running:      state == DriverStateServing,
	}
}

// Metrics returns the live metrics of the driver
func (d *Driver) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of driver metrics
func (d *Driver) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// Close stops Serve, waits for it to return, and releases the rings, the
// DMA region, the channels and the device. Outstanding device operations
// are abandoned.
//
// If Serve does not return within the shutdown grace period, Close returns
// an error and the components are released only once it does.
func (d *Driver) Close() error {
	if d == nil {
		return ErrInvalidParameters
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	stop, done := d.stop, d.done
	d.mu.Unlock()

	d.metrics.Stop()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			d.logger.Warn("serve loop did not exit before shutdown grace", "grace", shutdownGrace.String())
			go func() {
				<-done
				if err := d.release(); err != nil {
					d.logger.Warn("release after serve exit failed", "error", err)
				}
			}()
			return NewError("CLOSE", ErrCodeTransport, "serve loop still running, release deferred")
		}
	}
	return d.release()
}

func (d *Driver) release() error {
	d.client.close()
	err := d.comps.Close()
	close(d.released)
	return err
}

// convertToCtrlParams converts public Params to internal ctrl.Params
func convertToCtrlParams(params Params, options *Options) ctrl.Params {
	return ctrl.Params{
		DMAPath:       params.DMAPath,
		DMASize:       params.DMASize,
		ClientBase:    params.ClientBase,
		DeviceBase:    params.DeviceBase,
		RingPath:      params.RingPath,
		RingSlots:     params.RingSlots,
		DeviceType:    params.DeviceType,
		DevicePath:    params.DevicePath,
		DeviceSize:    params.DeviceSize,
		Backend:       params.Backend,
		DeviceLatency: params.DeviceLatency,
		QueueSize:     params.QueueSize,
		Transport:     options.Transport,
	}
}
