package authcore

import "sync/atomic"

// MetricID identifies one in-process counter.
type MetricID uint8

const (
	MetricRegistration MetricID = iota
	MetricLoginSuccess
	MetricLoginFailure
	MetricAccountLocked
	MetricRefreshSuccess
	MetricRefreshFailure
	MetricMFARequired
	MetricMFASuccess
	MetricMFAFailure
	MetricMFAExhausted
	MetricBackupCodeUsed
	MetricSSOStarted
	MetricSSOSuccess
	MetricSSOFailure
	MetricSessionsSwept

	metricIDCount
)

// Metrics holds lock-free counters for engine outcomes. All operations
// are no-ops on a nil receiver so disabled metrics cost nothing.
type Metrics struct {
	counters [metricIDCount]atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func newMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	return &Metrics{}
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap.Counters[id] = m.counters[id].Load()
	}
	return snap
}
