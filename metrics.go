package tokenforge

import "sync/atomic"

// MetricID identifies one engine counter.
//
// MetricID instances are intended to be configured during initialization
// and then treated as immutable.
type MetricID uint16

const (
	// MetricRefreshSuccess is an exported constant used by the token engine.
	MetricRefreshSuccess MetricID = iota
	// MetricRefreshFailure is an exported constant used by the token engine.
	MetricRefreshFailure
	// MetricRefreshReuseDetected is an exported constant used by the token engine.
	MetricRefreshReuseDetected
	// MetricFamilyRevoked is an exported constant used by the token engine.
	MetricFamilyRevoked
	// MetricKeyRotation is an exported constant used by the token engine.
	MetricKeyRotation
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of atomic counters over the engine's security
// events. A nil receiver is safe and counts nothing, so components carry an
// optional reference without guards. Counters are process-local; exporting
// them is the surrounding application's concern.
type Metrics struct {
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics returns a zeroed counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Inc adds one to a counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Value reads one counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter at once.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = m.Value(id)
	}
	return s
}
