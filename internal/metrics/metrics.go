// Package metrics provides the atomic counters and latency histogram
// shared by every runtime type, generalized from the predecessor
// project's per-device I/O metrics to per-runtime connection metrics.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the histogram bucket upper bounds in nanoseconds,
// spanning 1us to 10s with logarithmic spacing.
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

const numBuckets = 8

// Runtime tracks operational statistics for a single runtime (server,
// client, proxy, or cache).
type Runtime struct {
	ConnectionsAccepted atomic.Uint64
	ConnectionsActive   atomic.Int64
	ConnectionsRejected atomic.Uint64
	PeakConnections     atomic.Int64

	Messages atomic.Uint64

	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64

	Errors atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	Buckets        [numBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// New creates a Runtime metrics block with StartTime set to now.
func New() *Runtime {
	m := &Runtime{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Accept counts a new connection, tracking the peak concurrent count
// with a CAS loop since several engines share one metrics block across
// threads.
func (m *Runtime) Accept() {
	m.ConnectionsAccepted.Add(1)
	active := m.ConnectionsActive.Add(1)
	for {
		peak := m.PeakConnections.Load()
		if active <= peak || m.PeakConnections.CompareAndSwap(peak, active) {
			return
		}
	}
}

// RecordMessage counts one dispatched message.
func (m *Runtime) RecordMessage()    { m.Messages.Add(1) }
func (m *Runtime) Reject()           { m.ConnectionsRejected.Add(1) }
func (m *Runtime) Disconnect()       { m.ConnectionsActive.Add(-1) }
func (m *Runtime) RecordError()      { m.Errors.Add(1) }
func (m *Runtime) RecordRead(n int)  { m.BytesRead.Add(uint64(n)) }
func (m *Runtime) RecordWrite(n int) { m.BytesWritten.Add(uint64(n)) }

// RecordLatency records an operation latency sample into the histogram.
func (m *Runtime) RecordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bound := range LatencyBuckets {
		if latencyNs <= bound {
			m.Buckets[i].Add(1)
		}
	}
}

// Stop records the runtime's stop timestamp.
func (m *Runtime) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// Snapshot is a point-in-time, plain-value copy of Runtime's counters,
// safe to marshal for the `stats` control command.
type Snapshot struct {
	ConnectionsAccepted uint64
	ConnectionsActive   int64
	ConnectionsRejected uint64
	PeakConnections     int64
	Messages            uint64
	BytesRead           uint64
	BytesWritten        uint64
	Errors              uint64
	AvgLatencyNs        uint64
	LatencyP50Ns        uint64
	LatencyP99Ns        uint64
	UptimeNs            uint64
}

// Snapshot computes a Snapshot from the live counters.
func (m *Runtime) Snapshot() Snapshot {
	s := Snapshot{
		ConnectionsAccepted: m.ConnectionsAccepted.Load(),
		ConnectionsActive:   m.ConnectionsActive.Load(),
		ConnectionsRejected: m.ConnectionsRejected.Load(),
		PeakConnections:     m.PeakConnections.Load(),
		Messages:            m.Messages.Load(),
		BytesRead:           m.BytesRead.Load(),
		BytesWritten:        m.BytesWritten.Load(),
		Errors:              m.Errors.Load(),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
		s.LatencyP50Ns = m.percentile(0.50)
		s.LatencyP99Ns = m.percentile(0.99)
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		s.UptimeNs = uint64(stop - start)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return s
}

// percentile estimates the latency at the given percentile (0.0-1.0)
// by linear interpolation between histogram buckets.
func (m *Runtime) percentile(p float64) uint64 {
	total := m.OpCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBound := uint64(0)
	for i, bound := range LatencyBuckets {
		count := m.Buckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.Buckets[i-1].Load()
			}
			if count == prevCount {
				return bound
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return prevBound + uint64(frac*float64(bound-prevBound))
		}
		prevBound = bound
	}
	return LatencyBuckets[numBuckets-1]
}

// Observer allows pluggable collection of per-op samples, mirroring the
// predecessor's Observer interface but against connection-level events.
type Observer interface {
	ObserveAccept()
	ObserveBytes(read, written int)
	ObserveLatency(latencyNs uint64)
	ObserveError()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAccept()        {}
func (NoOpObserver) ObserveBytes(int, int) {}
func (NoOpObserver) ObserveLatency(uint64) {}
func (NoOpObserver) ObserveError()         {}

// RuntimeObserver routes observations into a Runtime's counters.
type RuntimeObserver struct {
	m *Runtime
}

// NewRuntimeObserver returns an Observer that records into m.
func NewRuntimeObserver(m *Runtime) *RuntimeObserver { return &RuntimeObserver{m: m} }

func (o *RuntimeObserver) ObserveAccept()           { o.m.Accept() }
func (o *RuntimeObserver) ObserveBytes(r, w int)    { o.m.RecordRead(r); o.m.RecordWrite(w) }
func (o *RuntimeObserver) ObserveLatency(ns uint64) { o.m.RecordLatency(ns) }
func (o *RuntimeObserver) ObserveError()            { o.m.RecordError() }

var _ Observer = (*RuntimeObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
