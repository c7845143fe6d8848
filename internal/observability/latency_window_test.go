package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLatencyWindowDropsOldestSamples(t *testing.T) {
	w := newLatencyWindow(4)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		w.observe(StageDispatch, time.Duration(ms)*time.Millisecond)
	}
	w.count("dispatch_agent_busy")
	w.count("dispatch_agent_busy")

	snap := w.snapshot()
	if snap.WindowSize != 4 || len(snap.Stages) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.LastMS != 50 || s.MaxMS != 50 {
		t.Fatalf("Last/Max = %.2f/%.2f, want 50/50", s.LastMS, s.MaxMS)
	}
	if s.AvgMS != 35 {
		t.Fatalf("AvgMS = %.2f, want 35 without the 10ms sample", s.AvgMS)
	}
	if s.P50MS != 30 || s.P95MS != 50 {
		t.Fatalf("P50/P95 = %.2f/%.2f, want 30/50", s.P50MS, s.P95MS)
	}
	if len(snap.Outcomes) != 1 || snap.Outcomes[0].Count != 2 {
		t.Fatalf("Outcomes = %+v", snap.Outcomes)
	}
}

func TestLatencyWindowIgnoresUnnamedStage(t *testing.T) {
	w := newLatencyWindow(0)
	w.observe("", time.Millisecond)
	w.observe(StageAccept, -time.Millisecond)
	if snap := w.snapshot(); len(snap.Stages) != 0 || snap.WindowSize != 256 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMetricsObserveStages(t *testing.T) {
	m := NewMetricsWith("test", prometheus.NewRegistry())
	m.ObserveTick(12*time.Millisecond, "ok")
	m.ObserveStage(StageAccept, 3*time.Millisecond)
	m.ObserveDispatch("dispatched")

	snap := m.SnapshotLatency()
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != StageAccept || snap.Stages[1].Stage != StageTick {
		t.Fatalf("stages = %+v", snap.Stages)
	}
	var nilMetrics *Metrics
	nilMetrics.ObserveTick(time.Millisecond, "ok")
	if got := nilMetrics.SnapshotLatency(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", got)
	}
}
