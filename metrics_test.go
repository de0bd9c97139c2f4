package gatekey

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.Inc(MetricSignInSuccess)
	m.Observe(MetricSignInLatency, 10*time.Millisecond)

	if m.Value(MetricSignInSuccess) != 0 {
		t.Error("disabled metrics must not count")
	}

	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Error("disabled snapshot must be empty")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(MetricSignInSuccess)
	m.Observe(MetricSignInLatency, time.Millisecond)
	if m.Value(MetricSignInSuccess) != 0 {
		t.Error("nil metrics must return zero")
	}
	if m.Enabled() {
		t.Error("nil metrics must report disabled")
	}
}

func TestMetricsCountersConcurrent(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 8
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				m.Inc(MetricRefreshSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricRefreshSuccess); got != goroutines*perGoroutine {
		t.Errorf("counter = %d, want %d", got, goroutines*perGoroutine)
	}
}

func TestMetricsLatencyBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	m.Observe(MetricSignInLatency, 3*time.Millisecond)   // bucket 0
	m.Observe(MetricSignInLatency, 30*time.Millisecond)  // bucket 3
	m.Observe(MetricSignInLatency, 900*time.Millisecond) // bucket 7

	snap := m.Snapshot()
	buckets, ok := snap.Histograms[MetricSignInLatency]
	if !ok {
		t.Fatal("expected sign-in latency histogram in snapshot")
	}
	if buckets[0] != 1 || buckets[3] != 1 || buckets[7] != 1 {
		t.Errorf("unexpected bucket distribution: %v", buckets)
	}

	// Observations on other IDs are dropped.
	m.Observe(MetricRefreshSuccess, time.Millisecond)
	snap = m.Snapshot()
	if _, ok := snap.Histograms[MetricRefreshSuccess]; ok {
		t.Error("only the sign-in latency histogram should exist")
	}
}

func TestMetricsSnapshotIsCopy(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricTicketIssued)

	snap := m.Snapshot()
	m.Inc(MetricTicketIssued)

	if snap.Counters[MetricTicketIssued] != 1 {
		t.Error("snapshot must not observe later increments")
	}
	if m.Value(MetricTicketIssued) != 2 {
		t.Error("live counter must keep counting")
	}
}
