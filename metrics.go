package virtblk

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-virtblk/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics of a driver. Every field is updated
// atomically; the prometheus collector reads them concurrently with the
// serve loop.
type Metrics struct {
	// Request counters
	Submitted    atomic.Uint64 // Reads handed to the device
	Completed    atomic.Uint64 // Completions returned to the client
	ReadBytes    atomic.Uint64 // Bytes read successfully
	DeviceErrors atomic.Uint64 // Completions with a device failure
	Deferred     atomic.Uint64 // Completions left with the device (completion ring full)

	// Notification bridge
	DeviceTriggers      atomic.Uint64 // Notifications on the device channel
	ClientTriggers      atomic.Uint64 // Notifications on the client channel
	ClientNotifications atomic.Uint64 // Signals sent to the client
	InterruptAcks       atomic.Uint64 // Device interrupt acknowledgements
	Fatal               atomic.Uint64 // Fatal errors (0 or 1)

	// In-flight statistics
	InFlight        atomic.Uint32 // Current outstanding device operations
	MaxInFlight     atomic.Uint32 // Maximum observed outstanding operations
	InFlightTotal   atomic.Uint64 // Cumulative in-flight samples
	InFlightSamples atomic.Uint64 // Number of in-flight samples

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative submission to completion latency
	OpCount        atomic.Uint64 // Operations with a recorded latency

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Driver lifecycle
	StartTime atomic.Int64 // Start timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records a read handed to the device
func (m *Metrics) RecordSubmit(bytes uint64) {
	m.Submitted.Add(1)
}

// RecordComplete records a completion returned to the client
func (m *Metrics) RecordComplete(bytes uint64, latencyNs uint64, success bool) {
	m.Completed.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.DeviceErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordInFlight records the current number of outstanding operations
func (m *Metrics) RecordInFlight(depth uint32) {
	m.InFlight.Store(depth)
	m.InFlightTotal.Add(uint64(depth))
	m.InFlightSamples.Add(1)

	// Update max atomically
	for {
		current := m.MaxInFlight.Load()
		if depth <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, depth) {
			break
		}
	}
}

// RecordDeferred records a completion deferred because the ring was full
func (m *Metrics) RecordDeferred() {
	m.Deferred.Add(1)
}

// RecordTrigger records one handled notification and its interrupt ack
func (m *Metrics) RecordTrigger(ch Channel, notifiedClient bool) {
	switch ch {
	case ChannelDevice:
		m.DeviceTriggers.Add(1)
	case ChannelClient:
		m.ClientTriggers.Add(1)
	}
	if notifiedClient {
		m.ClientNotifications.Add(1)
	}
	m.InterruptAcks.Add(1)
}

// RecordAck records an interrupt acknowledgement outside a notification
func (m *Metrics) RecordAck() {
	m.InterruptAcks.Add(1)
}

// RecordFatal records that the driver halted
func (m *Metrics) RecordFatal() {
	m.Fatal.Store(1)
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the driver as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Submitted    uint64
	Completed    uint64
	ReadBytes    uint64
	DeviceErrors uint64
	Deferred     uint64

	DeviceTriggers      uint64
	ClientTriggers      uint64
	ClientNotifications uint64
	InterruptAcks       uint64
	Fatal               bool

	InFlight    uint32
	MaxInFlight uint32
	AvgInFlight float64

	AvgLatencyNs  uint64
	UptimeNs      uint64
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	ReadIOPS      float64
	ReadBandwidth float64 // Bytes per second
	ErrorRate     float64 // Percentage of failed completions

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submitted:           m.Submitted.Load(),
		Completed:           m.Completed.Load(),
		ReadBytes:           m.ReadBytes.Load(),
		DeviceErrors:        m.DeviceErrors.Load(),
		Deferred:            m.Deferred.Load(),
		DeviceTriggers:      m.DeviceTriggers.Load(),
		ClientTriggers:      m.ClientTriggers.Load(),
		ClientNotifications: m.ClientNotifications.Load(),
		InterruptAcks:       m.InterruptAcks.Load(),
		Fatal:               m.Fatal.Load() != 0,
		InFlight:            m.InFlight.Load(),
		MaxInFlight:         m.MaxInFlight.Load(),
	}

	if samples := m.InFlightSamples.Load(); samples > 0 {
		snap.AvgInFlight = float64(m.InFlightTotal.Load()) / float64(samples)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.Completed) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
	}

	if snap.Completed > 0 {
		snap.ErrorRate = float64(snap.DeviceErrors) / float64(snap.Completed) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.Submitted.Store(0)
	m.Completed.Store(0)
	m.ReadBytes.Store(0)
	m.DeviceErrors.Store(0)
	m.Deferred.Store(0)
	m.DeviceTriggers.Store(0)
	m.ClientTriggers.Store(0)
	m.ClientNotifications.Store(0)
	m.InterruptAcks.Store(0)
	m.Fatal.Store(0)
	m.InFlight.Store(0)
	m.MaxInFlight.Store(0)
	m.InFlightTotal.Store(0)
	m.InFlightSamples.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives driver events. It is the same contract the driver core
// reports through, so custom observers can be passed in Options.
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(uint64)                        {}
func (NoOpObserver) ObserveComplete(uint64, time.Duration, bool) {}
func (NoOpObserver) ObserveInFlight(uint32)                      {}
func (NoOpObserver) ObserveDeferred()                            {}
func (NoOpObserver) ObserveTrigger(int, bool)                    {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(bytes uint64) {
	o.metrics.RecordSubmit(bytes)
}

func (o *MetricsObserver) ObserveComplete(bytes uint64, latency time.Duration, success bool) {
	o.metrics.RecordComplete(bytes, uint64(latency.Nanoseconds()), success)
}

func (o *MetricsObserver) ObserveInFlight(depth uint32) {
	o.metrics.RecordInFlight(depth)
}

func (o *MetricsObserver) ObserveDeferred() {
	o.metrics.RecordDeferred()
}

func (o *MetricsObserver) ObserveTrigger(channel int, notifiedClient bool) {
	o.metrics.RecordTrigger(Channel(channel), notifiedClient)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
