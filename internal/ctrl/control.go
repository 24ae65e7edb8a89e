// Package ctrl builds the driver's collaborators before the event loop
// starts: the shared DMA region and its translator, the request and
// completion rings, the notification channels, and the device transport.
package ctrl

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-virtblk/backend"
	"github.com/ehrlich-b/go-virtblk/internal/constants"
	"github.com/ehrlich-b/go-virtblk/internal/device"
	"github.com/ehrlich-b/go-virtblk/internal/dma"
	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
	"github.com/ehrlich-b/go-virtblk/internal/logging"
	"github.com/ehrlich-b/go-virtblk/internal/notify"
	"github.com/ehrlich-b/go-virtblk/internal/ring"
)

// Components is everything the driver core is wired to
type Components struct {
	DMA        *dma.Region
	Translator *dma.Translator

	RingRegion  *dma.Region
	Requests    *ring.Ring
	Completions *ring.Ring
	Buffers     *ring.Buffers // driver side of the ring pair

	DeviceIRQ  *notify.Channel // device -> driver
	ClientKick *notify.Channel // client -> driver
	ClientIRQ  *notify.Channel // driver -> client

	Device     interfaces.Transport
	Backend    interfaces.Backend // storage behind a simulated device, if any
	DeviceSize int64              // bytes readable through Device, 0 if unknown

	closers []func() error
}

// Close releases the components in reverse order of creation
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Controller performs component initialization
type Controller struct {
	logger *logging.Logger
}

// NewController creates a controller logging to the default logger
func NewController() *Controller {
	return &Controller{logger: logging.Default()}
}

// SetLogger sets the logger for this controller
func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Validate checks params without creating anything
func Validate(params *Params) error {
	if params.QueueSize <= 0 || params.QueueSize > constants.MaxQueueSize {
		return fmt.Errorf("queue size %d out of range [1, %d]", params.QueueSize, constants.MaxQueueSize)
	}
	if params.DMASize < constants.SectorSize {
		return fmt.Errorf("dma region of %d bytes is smaller than a sector", params.DMASize)
	}
	if params.RingSlots <= 0 || params.RingSlots&(params.RingSlots-1) != 0 {
		return fmt.Errorf("ring slots %d is not a power of two", params.RingSlots)
	}
	if params.ClientBase+uint64(params.DMASize) < params.ClientBase {
		return fmt.Errorf("client base 0x%x overflows with region size %d", params.ClientBase, params.DMASize)
	}
	if params.Transport != nil {
		return nil
	}
	switch params.DeviceType {
	case DeviceTypeMem:
		if params.Backend == nil && params.DeviceSize < constants.SectorSize {
			return fmt.Errorf("device size %d is smaller than a sector", params.DeviceSize)
		}
	case DeviceTypeFile:
		if params.DevicePath == "" {
			return fmt.Errorf("file device requires a path")
		}
	default:
		return fmt.Errorf("unknown device type %q", params.DeviceType)
	}
	return nil
}

// Build creates all components. On error everything created so far is
// released.
func (c *Controller) Build(params *Params) (*Components, error) {
	if err := Validate(params); err != nil {
		return nil, err
	}

	comps := &Components{}
	if err := c.build(comps, params); err != nil {
		if cerr := comps.Close(); cerr != nil {
			c.logger.Warn("release after failed build", "error", cerr)
		}
		return nil, err
	}

	c.logger.Info("components ready",
		"dma_size", params.DMASize,
		"client_base", fmt.Sprintf("0x%x", params.ClientBase),
		"ring_slots", params.RingSlots,
		"device", params.DeviceType,
		"queue_size", params.QueueSize)
	return comps, nil
}

func (c *Controller) build(comps *Components, params *Params) error {
	if err := c.buildRegions(comps, params); err != nil {
		return err
	}
	if err := c.buildChannels(comps); err != nil {
		return err
	}
	return c.buildDevice(comps, params)
}

func mapOrAlloc(name, path string, size int) (*dma.Region, error) {
	if path == "" {
		return dma.AllocRegion(name, size)
	}
	return dma.MapRegion(name, path, size)
}

func (c *Controller) buildRegions(comps *Components, params *Params) error {
	region, err := mapOrAlloc(RegionClientDMA, params.DMAPath, params.DMASize)
	if err != nil {
		return err
	}
	comps.onClose(region.Close)
	comps.DMA = region
	comps.Translator = dma.NewTranslator(region, params.ClientBase, params.DeviceBase)

	ringSize := ring.Size(params.RingSlots)
	// Keep the second ring's header 8-byte aligned
	ringSize = (ringSize + 7) &^ 7
	rings, err := mapOrAlloc(RegionRings, params.RingPath, 2*ringSize)
	if err != nil {
		return err
	}
	comps.onClose(rings.Close)
	comps.RingRegion = rings

	mem := rings.Bytes()
	if comps.Requests, err = ring.New("requests", mem[:ringSize], params.RingSlots); err != nil {
		return err
	}
	if comps.Completions, err = ring.New("completions", mem[ringSize:], params.RingSlots); err != nil {
		return err
	}
	// The driver owns ring setup
	comps.Requests.Reset()
	comps.Completions.Reset()

	c.logger.Debug("mapped regions", "dma", region.Name(), "rings", rings.Name(), "ring_bytes", 2*ringSize)
	return nil
}

func (c *Controller) buildChannels(comps *Components) error {
	var err error
	if comps.DeviceIRQ, err = notify.NewChannel(constants.ChannelDevice); err != nil {
		return err
	}
	comps.onClose(comps.DeviceIRQ.Close)

	if comps.ClientKick, err = notify.NewChannel(constants.ChannelClient); err != nil {
		return err
	}
	comps.onClose(comps.ClientKick.Close)

	if comps.ClientIRQ, err = notify.NewChannel(constants.ChannelClient); err != nil {
		return err
	}
	comps.onClose(comps.ClientIRQ.Close)

	comps.Buffers = ring.NewBuffers(comps.Requests, comps.Completions, comps.ClientIRQ.Notify)
	return nil
}

func (c *Controller) buildDevice(comps *Components, params *Params) error {
	if params.Transport != nil {
		comps.Device = params.Transport
		comps.Backend = params.Backend
		if params.Backend != nil {
			comps.DeviceSize = params.Backend.Size()
		}
		return nil
	}

	switch params.DeviceType {
	case DeviceTypeMem:
		be := params.Backend
		if be == nil {
			be = backend.NewPatterned(params.DeviceSize)
		}
		comps.Backend = be

		sim, err := device.NewSim(device.SimConfig{
			Backend:   be,
			QueueSize: params.QueueSize,
			Interrupt: comps.DeviceIRQ,
			Latency:   params.DeviceLatency,
			Logger:    c.logger,
		})
		if err != nil {
			return err
		}
		comps.onClose(sim.Close)
		comps.Device = sim
		comps.DeviceSize = be.Size()

	case DeviceTypeFile:
		dev, err := device.NewUring(device.UringConfig{
			Path:      params.DevicePath,
			QueueSize: params.QueueSize,
			Interrupt: comps.DeviceIRQ,
			Logger:    c.logger,
		})
		if err != nil {
			return err
		}
		comps.onClose(dev.Close)
		comps.Device = dev
		comps.DeviceSize = dev.Size()
	}
	return nil
}
