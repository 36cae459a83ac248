// control/metrics_test.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"sync"
	"testing"
)

func TestCountersAndGauges(t *testing.T) {
	m := NewMetrics()
	m.Inc(MetricSteps)
	m.Inc(MetricSteps)
	m.Add(MetricTokensGenerated, 5)
	m.Set(GaugePagesFree, 42)

	if got := m.Get(MetricSteps); got != 2 {
		t.Fatalf("steps = %d, want 2", got)
	}
	if got := m.Get(MetricTokensGenerated); got != 5 {
		t.Fatalf("tokens = %d, want 5", got)
	}
	if got := m.Get(GaugePagesFree); got != 42 {
		t.Fatalf("pages_free = %d, want 42", got)
	}
	if got := m.Get("never_registered"); got != 0 {
		t.Fatalf("unregistered = %d, want 0", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMetrics()
	m.Inc(MetricDeltasEmitted)
	snap := m.Snapshot()
	m.Add(MetricDeltasEmitted, 10)

	if snap[MetricDeltasEmitted] != 1 {
		t.Fatalf("snapshot mutated: %v", snap)
	}
	if m.Get(MetricDeltasEmitted) != 11 {
		t.Fatalf("live value = %d, want 11", m.Get(MetricDeltasEmitted))
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := NewMetrics()
	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Inc(MetricRequestsIngested)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(MetricRequestsIngested); got != workers*perWorker {
		t.Fatalf("counter = %d, want %d", got, workers*perWorker)
	}
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	m := NewMetrics()
	m.Set(GaugeSequencesRunning, 3)
	dp.RegisterMetrics(m)
	dp.RegisterProbe("custom", func() any { return "ok" })

	state := dp.DumpState()
	if state["custom"] != "ok" {
		t.Fatalf("custom probe = %v", state["custom"])
	}
	if _, ok := state["runtime.cpus"]; !ok {
		t.Fatal("runtime probes missing")
	}
	snap, ok := state["metrics"].(map[string]int64)
	if !ok || snap[GaugeSequencesRunning] != 3 {
		t.Fatalf("metrics probe = %v", state["metrics"])
	}
}
