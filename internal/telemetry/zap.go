package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ZapLogger backs Logger with a structured zap.Logger.
type ZapLogger struct {
	l *zap.Logger
}

// NewZapLogger constructs a Logger backed by the given zap.Logger. Pass nil
// to use zap's production default.
func NewZapLogger(l *zap.Logger) (Logger, error) {
	if l == nil {
		var err error
		l, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}
	return &ZapLogger{l: l}, nil
}

func (z *ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	z.l.Debug(msg, kvToZap(keyvals)...)
}
func (z *ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	z.l.Info(msg, kvToZap(keyvals)...)
}
func (z *ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	z.l.Warn(msg, kvToZap(keyvals)...)
}
func (z *ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	z.l.Error(msg, kvToZap(keyvals)...)
}

func kvToZap(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	return fields
}

// OtelMetrics backs Metrics with an OpenTelemetry meter.
type OtelMetrics struct {
	meter    metric.Meter
	counters map[string]metric.Float64Counter
	timers   map[string]metric.Float64Histogram
	gauges   map[string]metric.Float64Gauge
}

// NewOtelMetrics constructs a Metrics recorder backed by the given meter.
func NewOtelMetrics(meter metric.Meter) Metrics {
	return &OtelMetrics{
		meter:    meter,
		counters: make(map[string]metric.Float64Counter),
		timers:   make(map[string]metric.Float64Histogram),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OtelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, ok := m.timers[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			return
		}
		m.timers[name] = h
	}
	h.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		m.gauges[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		out = append(out, attribute.String(tags[i], tags[i+1]))
	}
	return out
}
