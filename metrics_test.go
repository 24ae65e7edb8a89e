package virtblk

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Completed != 0 {
		t.Errorf("Expected 0 initial completions, got %d", snap.Completed)
	}

	m.RecordSubmit(1024)
	m.RecordSubmit(512)
	m.RecordComplete(1024, 1000000, true) // 1KB read, 1ms latency, success
	m.RecordComplete(512, 500000, false)  // 512B read, 0.5ms latency, device error

	snap = m.Snapshot()

	if snap.Submitted != 2 {
		t.Errorf("Expected 2 submitted, got %d", snap.Submitted)
	}
	if snap.Completed != 2 {
		t.Errorf("Expected 2 completed, got %d", snap.Completed)
	}
	if snap.ReadBytes != 1024 {
		t.Errorf("Expected 1024 read bytes, got %d", snap.ReadBytes)
	}
	if snap.DeviceErrors != 1 {
		t.Errorf("Expected 1 device error, got %d", snap.DeviceErrors)
	}
	if snap.ErrorRate < 49.9 || snap.ErrorRate > 50.1 {
		t.Errorf("Expected error rate ~50%%, got %.1f%%", snap.ErrorRate)
	}
	if snap.AvgLatencyNs != 750000 {
		t.Errorf("Expected avg latency 750000ns, got %d", snap.AvgLatencyNs)
	}
}

func TestMetricsInFlight(t *testing.T) {
	m := NewMetrics()

	m.RecordInFlight(1)
	m.RecordInFlight(4)
	m.RecordInFlight(2)

	snap := m.Snapshot()
	if snap.InFlight != 2 {
		t.Errorf("Expected current in-flight 2, got %d", snap.InFlight)
	}
	if snap.MaxInFlight != 4 {
		t.Errorf("Expected max in-flight 4, got %d", snap.MaxInFlight)
	}
	expectedAvg := float64(1+4+2) / 3
	if snap.AvgInFlight < expectedAvg-0.01 || snap.AvgInFlight > expectedAvg+0.01 {
		t.Errorf("Expected avg in-flight ~%.2f, got %.2f", expectedAvg, snap.AvgInFlight)
	}
}

func TestMetricsTriggers(t *testing.T) {
	m := NewMetrics()

	m.RecordAck()
	m.RecordTrigger(ChannelDevice, true)
	m.RecordTrigger(ChannelClient, false)
	m.RecordTrigger(ChannelClient, true)
	m.RecordDeferred()

	snap := m.Snapshot()
	if snap.DeviceTriggers != 1 || snap.ClientTriggers != 2 {
		t.Errorf("triggers = %d/%d, want 1/2", snap.DeviceTriggers, snap.ClientTriggers)
	}
	if snap.ClientNotifications != 2 {
		t.Errorf("Expected 2 client notifications, got %d", snap.ClientNotifications)
	}
	if snap.InterruptAcks != 4 {
		t.Errorf("Expected 4 interrupt acks, got %d", snap.InterruptAcks)
	}
	if snap.Deferred != 1 {
		t.Errorf("Expected 1 deferred, got %d", snap.Deferred)
	}
	if snap.Fatal {
		t.Error("Fatal set without RecordFatal")
	}
	m.RecordFatal()
	if !m.Snapshot().Fatal {
		t.Error("Fatal not set after RecordFatal")
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()

	m.RecordComplete(512, 500, true)            // <= 1us
	m.RecordComplete(512, 50_000, true)         // <= 100us
	m.RecordComplete(512, 5_000_000, true)      // <= 10ms
	m.RecordComplete(512, 20_000_000_000, true) // beyond all buckets

	snap := m.Snapshot()
	if snap.LatencyHistogram[0] != 1 {
		t.Errorf("bucket 1us = %d, want 1", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[2] != 2 {
		t.Errorf("bucket 100us = %d, want 2", snap.LatencyHistogram[2])
	}
	if snap.LatencyHistogram[4] != 3 {
		t.Errorf("bucket 10ms = %d, want 3", snap.LatencyHistogram[4])
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 3 {
		t.Errorf("bucket 10s = %d, want 3", snap.LatencyHistogram[numLatencyBuckets-1])
	}
	if snap.LatencyP50Ns == 0 || snap.LatencyP99Ns < snap.LatencyP50Ns {
		t.Errorf("unexpected percentiles p50=%d p99=%d", snap.LatencyP50Ns, snap.LatencyP99Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit(512)
	m.RecordComplete(512, 1000, true)
	m.RecordInFlight(3)
	m.Stop()

	m.Reset()
	snap := m.Snapshot()
	if snap.Submitted != 0 || snap.Completed != 0 || snap.MaxInFlight != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}
	if m.StopTime.Load() != 0 {
		t.Error("StopTime not reset")
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	first := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	if m.Snapshot().UptimeNs != first {
		t.Error("uptime advanced after Stop")
	}
	if first < uint64(10*time.Millisecond) {
		t.Errorf("uptime %d shorter than elapsed time", first)
	}
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	var obs Observer = NewMetricsObserver(m)

	obs.ObserveSubmit(4096)
	obs.ObserveInFlight(1)
	obs.ObserveComplete(4096, 2*time.Millisecond, true)
	obs.ObserveInFlight(0)
	obs.ObserveDeferred()
	obs.ObserveTrigger(int(ChannelDevice), true)

	snap := m.Snapshot()
	if snap.Submitted != 1 || snap.Completed != 1 || snap.ReadBytes != 4096 {
		t.Errorf("observer did not record: %+v", snap)
	}
	if snap.AvgLatencyNs != uint64(2*time.Millisecond) {
		t.Errorf("latency = %d, want 2ms", snap.AvgLatencyNs)
	}
	if snap.DeviceTriggers != 1 || snap.Deferred != 1 {
		t.Error("trigger or deferral not recorded")
	}

	// NoOpObserver must be callable
	var noop Observer = NoOpObserver{}
	noop.ObserveSubmit(1)
	noop.ObserveTrigger(0, false)
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()
	const workers, per = 8, 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				m.RecordSubmit(512)
				m.RecordComplete(512, 1000, true)
				m.RecordInFlight(uint32(i % 5))
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.Completed != workers*per {
		t.Errorf("Completed = %d, want %d", snap.Completed, workers*per)
	}
	if snap.MaxInFlight != 4 {
		t.Errorf("MaxInFlight = %d, want 4", snap.MaxInFlight)
	}
}
