package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CycleInstruments publishes metrics and traces for orchestration cycles.
// All methods are safe on a nil receiver.
type CycleInstruments struct {
	meterEnabled bool
	traceEnabled bool

	counterCycles metric.Int64Counter
	counterStages metric.Int64Counter
	histCycle     metric.Int64Histogram
	histStage     metric.Int64Histogram

	tracer trace.Tracer
}

// CycleHandle tracks one in-flight cycle.
type CycleHandle struct {
	inst  *CycleInstruments
	ctx   context.Context
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue
}

// StageHandle tracks one stage within a cycle.
type StageHandle struct {
	inst  *CycleInstruments
	ctx   context.Context
	span  trace.Span
	start time.Time
	stage string
}

func newCycleInstruments(p *Provider) *CycleInstruments {
	inst := &CycleInstruments{
		meterEnabled: p.meterProvider != nil,
		traceEnabled: p.tracerProvider != nil,
	}
	if inst.meterEnabled {
		inst.counterCycles, _ = p.meter.Int64Counter(
			"berth.cycles_total",
			metric.WithDescription("Number of orchestration cycles by operation and final state"),
		)
		inst.counterStages, _ = p.meter.Int64Counter(
			"berth.stages_total",
			metric.WithDescription("Number of settled stages by stage and status"),
		)
		inst.histCycle, _ = p.meter.Int64Histogram(
			"berth.cycle.duration",
			metric.WithDescription("Duration of orchestration cycles in milliseconds"),
			metric.WithUnit("ms"),
		)
		inst.histStage, _ = p.meter.Int64Histogram(
			"berth.stage.duration",
			metric.WithDescription("Duration of orchestration stages in milliseconds"),
			metric.WithUnit("ms"),
		)
	}
	if inst.traceEnabled {
		inst.tracer = p.tracer
	}
	return inst
}

// StartCycle begins timing a cycle; the returned context carries its span.
func (i *CycleInstruments) StartCycle(parent context.Context, operation, cycleID string) (*CycleHandle, context.Context) {
	if i == nil {
		return nil, parent
	}
	h := &CycleHandle{
		inst:  i,
		ctx:   parent,
		start: time.Now(),
		attrs: []attribute.KeyValue{attribute.String("berth.operation", operation)},
	}
	if i.traceEnabled && i.tracer != nil {
		ctx, span := i.tracer.Start(parent, "berth."+operation,
			trace.WithAttributes(append(h.attrs, attribute.String("berth.cycle_id", cycleID))...))
		h.ctx = ctx
		h.span = span
	}
	return h, h.ctx
}

// StartStage begins timing a stage of the cycle.
func (h *CycleHandle) StartStage(stage string) *StageHandle {
	if h == nil {
		return nil
	}
	s := &StageHandle{inst: h.inst, ctx: h.ctx, start: time.Now(), stage: stage}
	if h.inst.traceEnabled && h.inst.tracer != nil {
		_, s.span = h.inst.tracer.Start(h.ctx, "berth.stage:"+stage,
			trace.WithAttributes(attribute.String("berth.stage", stage)))
	}
	return s
}

// End records the stage's settled status.
func (s *StageHandle) End(status, errText string) {
	if s == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("berth.stage", s.stage),
		attribute.String("berth.status", status),
	}
	if s.inst.meterEnabled {
		s.inst.counterStages.Add(s.ctx, 1, metric.WithAttributes(attrs...))
		s.inst.histStage.Record(s.ctx, time.Since(s.start).Milliseconds(), metric.WithAttributes(attrs...))
	}
	if s.span != nil {
		s.span.SetAttributes(attrs...)
		if status == "error" {
			s.span.SetStatus(codes.Error, errText)
		}
		s.span.End()
	}
}

// End records the cycle's final state and any soft-failure kinds.
func (h *CycleHandle) End(state string, warnings []string) {
	if h == nil {
		return
	}
	attrs := append([]attribute.KeyValue{}, h.attrs...)
	attrs = append(attrs, attribute.String("berth.state", state))
	if h.inst.meterEnabled {
		h.inst.counterCycles.Add(h.ctx, 1, metric.WithAttributes(attrs...))
		h.inst.histCycle.Record(h.ctx, time.Since(h.start).Milliseconds(), metric.WithAttributes(attrs...))
	}
	if h.span != nil {
		if len(warnings) > 0 {
			attrs = append(attrs, attribute.StringSlice("berth.warnings", warnings))
		}
		h.span.SetAttributes(attrs...)
		if state == "error" {
			h.span.SetStatus(codes.Error, "cycle failed")
		}
		h.span.End()
	}
}
