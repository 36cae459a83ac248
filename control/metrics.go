// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Counters and gauges are atomic; readers tolerate staleness.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metric names used across the engine. Registration is dynamic, so
// callers may add names beyond these.
const (
	MetricRequestsIngested   = "requests_ingested"
	MetricRequestsDropped    = "requests_dropped"
	MetricSequencesAdmitted  = "sequences_admitted"
	MetricSequencesPreempted = "sequences_preempted"
	MetricTokensGenerated    = "tokens_generated"
	MetricSteps              = "steps"
	MetricDeltasEmitted      = "deltas_emitted"
	MetricDeltasDirect       = "deltas_direct"
	MetricDeltasDropped      = "deltas_dropped"
	MetricDecodeFailures     = "decode_failures"
	MetricForwardFailures    = "forward_failures"
	MetricMemoryFailures     = "memory_failures"

	GaugePagesFree        = "pages_free"
	GaugeSequencesRunning = "sequences_running"
	GaugeSequencesWaiting = "sequences_waiting"
)

// Metrics holds named int64 counters and gauges. Hot paths touch only an
// atomic add; the registry lock is taken once per name.
type Metrics struct {
	mu      sync.RWMutex
	vals    map[string]*atomic.Int64
	updated atomic.Int64
}

// NewMetrics creates an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{vals: make(map[string]*atomic.Int64)}
}

func (m *Metrics) val(name string) *atomic.Int64 {
	m.mu.RLock()
	v, ok := m.vals[name]
	m.mu.RUnlock()
	if ok {
		return v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.vals[name]; ok {
		return v
	}
	v = new(atomic.Int64)
	m.vals[name] = v
	return v
}

// Inc adds one to a counter.
func (m *Metrics) Inc(name string) { m.Add(name, 1) }

// Add adds delta to a counter.
func (m *Metrics) Add(name string, delta int64) {
	m.val(name).Add(delta)
	m.updated.Store(time.Now().UnixNano())
}

// Set overwrites a gauge.
func (m *Metrics) Set(name string, v int64) {
	m.val(name).Store(v)
	m.updated.Store(time.Now().UnixNano())
}

// Get reads one value; unregistered names read zero.
func (m *Metrics) Get(name string) int64 {
	m.mu.RLock()
	v, ok := m.vals[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return v.Load()
}

// Snapshot copies every registered value.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.vals))
	for k, v := range m.vals {
		out[k] = v.Load()
	}
	return out
}

// Updated reports when any value last changed.
func (m *Metrics) Updated() time.Time {
	return time.Unix(0, m.updated.Load())
}
