package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/strongdm/berth/orchestrator"

// Config controls OTEL exporter behaviour.
type Config struct {
	ServiceName   string
	EnableMetrics bool
	EnableTraces  bool
	// TraceWriter receives pretty-printed spans; nil means stderr.
	TraceWriter io.Writer
	// SetGlobal installs the providers as the process-wide OTEL defaults.
	SetGlobal bool
}

// Provider owns OTEL meter/tracer providers and derived cycle instruments.
type Provider struct {
	cfg            Config
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         trace.Tracer

	cycles       *CycleInstruments
	shutdownOnce sync.Once
}

// Setup initialises metric and trace providers following cfg. With both
// disabled it returns a Provider whose instruments are no-ops.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.EnableMetrics && !cfg.EnableTraces {
		return &Provider{cfg: cfg}, nil
	}

	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "berth"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	p := &Provider{cfg: cfg}

	if cfg.EnableMetrics {
		p.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(p.reader),
			sdkmetric.WithResource(res),
		)
		p.meterProvider = mp
		if cfg.SetGlobal {
			otel.SetMeterProvider(mp)
		}
		p.meter = mp.Meter(instrumentationName)
	}

	if cfg.EnableTraces {
		tp, err := createTracerProvider(cfg, res)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = tp
		if cfg.SetGlobal {
			otel.SetTracerProvider(tp)
		}
		p.tracer = tp.Tracer(instrumentationName)
	}

	p.cycles = newCycleInstruments(p)
	return p, nil
}

func createTracerProvider(cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.TraceWriter != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.TraceWriter))
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init stdout trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(64)),
		sdktrace.WithResource(res),
	)
	return tp, nil
}

// Shutdown flushes and stops the configured providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	p.shutdownOnce.Do(func() {
		var errs []error
		if p.meterProvider != nil {
			if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if p.tracerProvider != nil {
			if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if len(errs) > 0 {
			err = errors.Join(errs...)
		}
	})
	return err
}

// Cycles returns the orchestration cycle instruments. Nil-safe.
func (p *Provider) Cycles() *CycleInstruments {
	if p == nil {
		return nil
	}
	return p.cycles
}

// Collect reads the current metric state. It fails when metrics are disabled.
func (p *Provider) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if p == nil || p.reader == nil {
		return rm, errors.New("metrics are disabled")
	}
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}
