package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures the Tracer (spec §4.11 "startTrace"; config.yaml's
// `tracing:` block per SPEC_FULL §3).
type TraceConfig struct {
	ServiceName  string
	SamplingRate float64 // defaults to 1.0

	// OTLPEndpoint, when set, batches spans to an OTLP/gRPC collector in
	// addition to the local span registry Trace() reads from. Empty leaves
	// the provider local-only.
	OTLPEndpoint   string
	EnableInsecure bool
}

// SpanRecord is a flattened view of one span, kept in the local registry so
// a trace tree can be reconstructed and queried by id without a backend
// (spec §6 "GET /swarm/trace/:traceId"; OTel alone doesn't expose this).
type SpanRecord struct {
	TraceID    string
	SpanID     string
	ParentID   string
	Name       string
	StartedAt  time.Time
	EndedAt    time.Time
	Attributes map[string]any
	Status     string // "ok", "error", or "" while in flight
	Events     []string
}

// Tracer wraps an OpenTelemetry TracerProvider and records every span it
// starts into a local registry keyed by trace id (spec §4.11).
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig

	mu      sync.Mutex
	byTrace map[string][]*SpanRecord
	bySpan  map[string]*SpanRecord
}

// NewTracer builds a Tracer. The local span registry behind Trace() is
// always populated regardless of exporter configuration, since the spec's
// trace tree query (§6 "GET /swarm/trace/:traceId") has no dependency on a
// collector being reachable. When cfg.OTLPEndpoint is set, spans are also
// batched to that collector over gRPC (teacher's NewTracer shape); if the
// exporter fails to dial, NewTracer falls back to local-only rather than
// failing startup.
func NewTracer(cfg TraceConfig) *Tracer {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "swarmcore"
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sampler)}

	if cfg.OTLPEndpoint != "" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.EnableInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		if exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(grpcOpts...)); err == nil {
			res, err := resource.New(context.Background(), resource.WithAttributes(
				attribute.String("service.name", cfg.ServiceName),
			))
			if err != nil {
				res = resource.Default()
			}
			opts = append(opts, sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
		}
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		config:   cfg,
		byTrace:  make(map[string][]*SpanRecord),
		bySpan:   make(map[string]*SpanRecord),
	}
}

// Shutdown flushes and stops the underlying provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// StartTrace starts a new root span named name, returning the derived
// context and the allocated trace id (spec §4.11 "startTrace").
func (t *Tracer) StartTrace(ctx context.Context, name string, attrs map[string]any) (context.Context, string, trace.Span) {
	ctx, span := t.startSpan(ctx, name, attrs)
	return ctx, span.SpanContext().TraceID().String(), span
}

// StartSpan starts a child span under whatever span (if any) ctx carries
// (spec §4.11 "startSpan with optional parent").
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, trace.Span) {
	return t.startSpan(ctx, name, attrs)
}

func (t *Tracer) startSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, trace.Span) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attributeFromValue(k, v))
	}
	parent := trace.SpanContextFromContext(ctx)
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))

	sc := span.SpanContext()
	rec := &SpanRecord{
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       name,
		StartedAt:  time.Now(),
		Attributes: attrs,
	}
	if parent.IsValid() {
		rec.ParentID = parent.SpanID().String()
	}

	t.mu.Lock()
	t.byTrace[rec.TraceID] = append(t.byTrace[rec.TraceID], rec)
	t.bySpan[rec.SpanID] = rec
	t.mu.Unlock()

	return ctx, span
}

// EndSpan ends span, recording its status in the local registry (spec §4.11
// "endSpan marks end and status").
func (t *Tracer) EndSpan(span trace.Span, err error) {
	id := span.SpanContext().SpanID().String()
	t.mu.Lock()
	if rec, ok := t.bySpan[id]; ok {
		rec.EndedAt = time.Now()
		if err != nil {
			rec.Status = "error"
		} else {
			rec.Status = "ok"
		}
	}
	t.mu.Unlock()

	if err != nil {
		t.RecordException(span, err)
	}
	span.End()
}

// RecordException adds an "exception" event and sets the span's status to
// error (spec §4.11 "recordException").
func (t *Tracer) RecordException(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	id := span.SpanContext().SpanID().String()
	t.mu.Lock()
	if rec, ok := t.bySpan[id]; ok {
		rec.Events = append(rec.Events, "exception: "+err.Error())
		rec.Status = "error"
	}
	t.mu.Unlock()
}

// Trace returns every span recorded under traceID, ordered by start time,
// or nil if the trace is unknown (spec §6 "GET /swarm/trace/:traceId").
func (t *Tracer) Trace(traceID string) []*SpanRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	spans, ok := t.byTrace[traceID]
	if !ok {
		return nil
	}
	out := make([]*SpanRecord, len(spans))
	copy(out, spans)
	return out
}

func attributeFromValue(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, "")
	}
}
