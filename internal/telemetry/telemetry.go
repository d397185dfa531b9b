package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/darkscan/internal/redact"
)

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and exposes scan instruments.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	scansCounter          metric.Int64Counter
	candidatesCounter     metric.Int64Counter
	detectionsCounter     metric.Int64Counter
	scanDuration          metric.Float64Histogram
	verifyDuration        metric.Float64Histogram
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewNoop returns a provider whose instruments discard everything.
func NewNoop() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  noop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

// NewProvider configures OTLP exporters and providers. When disabled it
// returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return NewNoop(), nil
	}
	if cfg.Service == "" {
		cfg.Service = "darkscan"
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s; without a collector, periodic export warnings are expected", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		spanExp   sdktrace.SpanExporter
		metricExp sdkmetric.Exporter
	)
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		if spanExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
	case "http":
		if spanExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()); err != nil {
			return nil, err
		}
		if metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure()); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown telemetry protocol %q", cfg.Protocol)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(spanExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("darkscan"),
		meter:                 mp.Meter("darkscan"),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	// Instruments are best-effort; creation errors leave no-op values.
	p.scansCounter, _ = p.meter.Int64Counter("darkscan_scans_total")
	p.candidatesCounter, _ = p.meter.Int64Counter("darkscan_candidates_total")
	p.detectionsCounter, _ = p.meter.Int64Counter("darkscan_detections_total")
	p.scanDuration, _ = p.meter.Float64Histogram("darkscan_scan_duration_ms")
	p.verifyDuration, _ = p.meter.Float64Histogram("darkscan_verify_duration_ms")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		if err := p.shutdownTraceProvider(ctx); err != nil {
			redact.Warnf("telemetry: trace provider shutdown: %v", err)
		}
	}
	if p.shutdownMeterProvider != nil {
		if err := p.shutdownMeterProvider(ctx); err != nil {
			redact.Warnf("telemetry: meter provider shutdown: %v", err)
		}
	}
}

// RecordScan counts one finished scan.
func (p *Provider) RecordScan(ctx context.Context, outcome, mode string, candidates int, durMs float64) {
	if p == nil || p.scansCounter == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("darkscan.outcome", outcome),
		attribute.String("darkscan.mode", mode),
	)
	p.scansCounter.Add(ctx, 1, labels)
	p.scanDuration.Record(ctx, durMs, labels)
	if candidates > 0 {
		p.candidatesCounter.Add(ctx, int64(candidates), labels)
	}
}

// RecordDetection counts one accepted result.
func (p *Provider) RecordDetection(ctx context.Context, tier, category string) {
	if p == nil || p.detectionsCounter == nil {
		return
	}
	p.detectionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("darkscan.tier", tier),
		attribute.String("darkscan.category", category),
	))
}

// RecordVerify records one verification round trip. outcome is ok, error or
// timeout.
func (p *Provider) RecordVerify(ctx context.Context, outcome string, durMs float64) {
	if p == nil || p.verifyDuration == nil {
		return
	}
	p.verifyDuration.Record(ctx, durMs, metric.WithAttributes(attribute.String("darkscan.outcome", outcome)))
}
