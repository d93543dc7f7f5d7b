package device

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering from 1us to 10s with logarithmic spacing — the same buckets a
// block-device driver would use for I/O latency, repurposed here for RPC
// call latency.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// endpointMetrics tracks per-endpoint call counters and a latency
// histogram. One instance exists per logical endpoint name.
type endpointMetrics struct {
	Calls          atomic.Uint64
	Errors         atomic.Uint64
	BytesSent      atomic.Uint64
	BytesReceived  atomic.Uint64
	TotalLatencyNs atomic.Uint64
	Buckets        [numLatencyBuckets]atomic.Uint64
}

func (e *endpointMetrics) record(bytesSent, bytesRecv, latencyNs uint64, success bool) {
	e.Calls.Add(1)
	if !success {
		e.Errors.Add(1)
	}
	e.BytesSent.Add(bytesSent)
	e.BytesReceived.Add(bytesRecv)
	e.TotalLatencyNs.Add(latencyNs)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			e.Buckets[i].Add(1)
		}
	}
}

// Metrics tracks Session-level call statistics, partitioned per logical
// endpoint (lookup/commit/execute/memory.read.cstr), plus process lifetime
// markers (§2's Session component, generalized from the teacher's
// per-queue I/O metrics to per-endpoint RPC metrics).
type Metrics struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointMetrics

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics instance with its start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{endpoints: make(map[string]*endpointMetrics)}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) endpoint(logical string) *endpointMetrics {
	m.mu.RLock()
	e, ok := m.endpoints[logical]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.endpoints[logical]; ok {
		return e
	}
	e = &endpointMetrics{}
	m.endpoints[logical] = e
	return e
}

// RecordCall records one completed call against logical, with the bytes
// exchanged and the wall-clock latency observed.
func (m *Metrics) RecordCall(logical string, bytesSent, bytesRecv, latencyNs uint64, success bool) {
	m.endpoint(logical).record(bytesSent, bytesRecv, latencyNs, success)
}

// Stop marks the session as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// EndpointSnapshot is a point-in-time view of one endpoint's counters.
type EndpointSnapshot struct {
	Logical       string
	Calls         uint64
	Errors        uint64
	BytesSent     uint64
	BytesReceived uint64
	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
}

// MetricsSnapshot is a point-in-time view across every endpoint that has
// seen at least one call.
type MetricsSnapshot struct {
	Endpoints []EndpointSnapshot
	UptimeNs  uint64
}

// Snapshot computes a MetricsSnapshot across all endpoints observed so far.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{}
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for logical, e := range m.endpoints {
		calls := e.Calls.Load()
		es := EndpointSnapshot{
			Logical:       logical,
			Calls:         calls,
			Errors:        e.Errors.Load(),
			BytesSent:     e.BytesSent.Load(),
			BytesReceived: e.BytesReceived.Load(),
		}
		if calls > 0 {
			es.AvgLatencyNs = e.TotalLatencyNs.Load() / calls
			es.LatencyP50Ns = percentile(e, calls, 0.50)
			es.LatencyP99Ns = percentile(e, calls, 0.99)
		}
		snap.Endpoints = append(snap.Endpoints, es)
	}
	return snap
}

// percentile estimates the latency at the given percentile via linear
// interpolation between histogram buckets, as the teacher's block-device
// metrics did for I/O latency.
func percentile(e *endpointMetrics, totalCalls uint64, p float64) uint64 {
	targetCount := uint64(float64(totalCalls) * p)
	prevBucket := uint64(0)
	prevCount := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := e.Buckets[i].Load()
		if bucketCount >= targetCount {
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
		prevCount = bucketCount
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Observer receives call-level telemetry; Session invokes it once per
// completed call if one is configured.
type Observer interface {
	ObserveCall(logical string, bytesSent, bytesRecv uint64, latencyNs uint64, success bool)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCall(string, uint64, uint64, uint64, bool) {}

// MetricsObserver implements Observer by recording into a Metrics value.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver constructs an observer backed by m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCall(logical string, bytesSent, bytesRecv, latencyNs uint64, success bool) {
	o.metrics.RecordCall(logical, bytesSent, bytesRecv, latencyNs, success)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
