package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	t.Parallel()

	p, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	h, ctx := p.Cycles().StartCycle(context.Background(), "start", "c1")
	if h != nil || ctx == nil {
		t.Fatalf("disabled instruments should return nil handle and the parent context")
	}
	h.StartStage("engine").End("done", "")
	h.End("running", nil)
	if _, err := p.Collect(context.Background()); err == nil {
		t.Fatalf("Collect should fail when metrics are disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCycleMetricsRecorded(t *testing.T) {
	t.Parallel()

	var traces bytes.Buffer
	p, err := Setup(context.Background(), Config{EnableMetrics: true, EnableTraces: true, TraceWriter: &traces})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	h, _ := p.Cycles().StartCycle(context.Background(), "start", "c1")
	h.StartStage("engine").End("done", "")
	h.StartStage("gateway").End("warning", "")
	h.End("running", []string{"gateway-slow"})

	rm, err := p.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	if sums["berth.cycles_total"] != 1 {
		t.Fatalf("cycles_total = %d, want 1", sums["berth.cycles_total"])
	}
	if sums["berth.stages_total"] != 2 {
		t.Fatalf("stages_total = %d, want 2", sums["berth.stages_total"])
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(traces.String(), "berth.stage:engine") {
		t.Fatalf("expected stage span in trace output, got %q", traces.String())
	}
}
