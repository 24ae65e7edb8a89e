package virtblk

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a driver's Metrics to prometheus. Values are read at
// scrape time, so the collector never lags the driver.
type Collector struct {
	metrics *Metrics

	submitted     *prometheus.Desc
	completed     *prometheus.Desc
	readBytes     *prometheus.Desc
	deviceErrors  *prometheus.Desc
	deferred      *prometheus.Desc
	triggers      *prometheus.Desc
	notifications *prometheus.Desc
	acks          *prometheus.Desc
	fatal         *prometheus.Desc
	inFlight      *prometheus.Desc
	maxInFlight   *prometheus.Desc
	latency       *prometheus.Desc
	uptime        *prometheus.Desc
}

// NewCollector creates a collector for m under namespace
func NewCollector(m *Metrics, namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "driver", name), help, labels, nil)
	}
	return &Collector{
		metrics:       m,
		submitted:     desc("reads_submitted_total", "Reads handed to the device"),
		completed:     desc("reads_completed_total", "Completions returned to the client"),
		readBytes:     desc("read_bytes_total", "Bytes read successfully"),
		deviceErrors:  desc("device_errors_total", "Completions with a device failure"),
		deferred:      desc("completions_deferred_total", "Completions left with the device because the completion ring was full"),
		triggers:      desc("triggers_total", "Notifications handled", "channel"),
		notifications: desc("client_notifications_total", "Signals sent to the client"),
		acks:          desc("interrupt_acks_total", "Device interrupt acknowledgements"),
		fatal:         desc("halted", "1 once a fatal error stopped the driver"),
		inFlight:      desc("in_flight", "Outstanding device operations"),
		maxInFlight:   desc("in_flight_max", "Maximum observed outstanding device operations"),
		latency:       desc("read_latency_seconds", "Submission to completion latency"),
		uptime:        desc("uptime_seconds", "Time since the driver started"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submitted
	ch <- c.completed
	ch <- c.readBytes
	ch <- c.deviceErrors
	ch <- c.deferred
	ch <- c.triggers
	ch <- c.notifications
	ch <- c.acks
	ch <- c.fatal
	ch <- c.inFlight
	ch <- c.maxInFlight
	ch <- c.latency
	ch <- c.uptime
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.submitted, snap.Submitted)
	counter(c.completed, snap.Completed)
	counter(c.readBytes, snap.ReadBytes)
	counter(c.deviceErrors, snap.DeviceErrors)
	counter(c.deferred, snap.Deferred)
	counter(c.triggers, snap.DeviceTriggers, ChannelDevice.String())
	counter(c.triggers, snap.ClientTriggers, ChannelClient.String())
	counter(c.notifications, snap.ClientNotifications)
	counter(c.acks, snap.InterruptAcks)

	halted := 0.0
	if snap.Fatal {
		halted = 1
	}
	gauge(c.fatal, halted)
	gauge(c.inFlight, float64(snap.InFlight))
	gauge(c.maxInFlight, float64(snap.MaxInFlight))
	gauge(c.uptime, float64(snap.UptimeNs)/1e9)

	// The histogram buckets are already cumulative
	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, bound := range LatencyBuckets {
		buckets[float64(bound)/1e9] = snap.LatencyHistogram[i]
	}
	sum := float64(c.metrics.TotalLatencyNs.Load()) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, c.metrics.OpCount.Load(), sum, buckets)
}

var _ prometheus.Collector = (*Collector)(nil)

// NewRegistry returns a registry holding a collector for m and a static
// info gauge labelled with version
func NewRegistry(m *Metrics, namespace, version string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m, namespace))

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "info",
		Help:      "Version information for the driver binary",
		ConstLabels: prometheus.Labels{
			"version":   version,
			"goversion": runtime.Version(),
		},
	})
	reg.MustRegister(info)
	info.Set(1)
	return reg
}
