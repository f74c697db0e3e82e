package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SlogLogger adapts the standard library's structured logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l as a Logger. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.l.DebugContext(ctx, msg, kv...)
}

func (s *SlogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.l.InfoContext(ctx, msg, kv...)
}

func (s *SlogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.l.WarnContext(ctx, msg, kv...)
}

func (s *SlogLogger) Error(ctx context.Context, msg string, kv ...any) {
	s.l.ErrorContext(ctx, msg, kv...)
}

// OtelTracer adapts an OpenTelemetry trace.Tracer to Tracer.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer wraps t as a Tracer.
func NewOtelTracer(t trace.Tracer) *OtelTracer {
	return &OtelTracer{tracer: t}
}

func (o *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := o.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(opts ...trace.SpanEndOption)             { s.span.End(opts...) }
func (s otelSpan) AddEvent(name string, _ ...any)               { s.span.AddEvent(name) }
func (s otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

// OtelMetrics adapts an OpenTelemetry metric.Meter to Metrics, lazily
// creating and caching one instrument per metric name.
type OtelMetrics struct {
	meter metric.Meter

	mu        sync.Mutex
	counters  map[string]metric.Float64Counter
	gauges    map[string]metric.Float64Gauge
	durations map[string]metric.Float64Histogram
}

// NewOtelMetrics wraps m as a Metrics recorder.
func NewOtelMetrics(m metric.Meter) *OtelMetrics {
	return &OtelMetrics{
		meter:     m,
		counters:  make(map[string]metric.Float64Counter),
		gauges:    make(map[string]metric.Float64Gauge),
		durations: make(map[string]metric.Float64Histogram),
	}
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c, _ = m.meter.Float64Counter(name)
		m.counters[name] = c
	}
	m.mu.Unlock()
	if c != nil {
		c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
	}
}

func (m *OtelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	m.mu.Lock()
	h, ok := m.durations[name]
	if !ok {
		h, _ = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		m.durations[name] = h
	}
	m.mu.Unlock()
	if h != nil {
		h.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(tagAttrs(tags)...))
	}
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g, _ = m.meter.Float64Gauge(name)
		m.gauges[name] = g
	}
	m.mu.Unlock()
	if g != nil {
		g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
	}
}
