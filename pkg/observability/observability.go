// Package observability bootstraps OpenTelemetry tracing for Magnetar and
// provides the span helpers used around connection builds, pool borrows,
// probes, statement execution, and extraction runs. Prometheus (pkg/metrics)
// remains the metrics backend; the otel meter is exposed for future use.
package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer trace.Tracer
	meter  metric.Meter

	initOnce sync.Once
)

// Config controls the tracing pipeline.
type Config struct {
	ServiceName    string        `yaml:"service_name" json:"service_name"`
	ServiceVersion string        `yaml:"service_version" json:"service_version"`
	Environment    string        `yaml:"environment" json:"environment"`
	SamplingRate   float64       `yaml:"sampling_rate" json:"sampling_rate"`
	ExporterType   string        `yaml:"exporter" json:"exporter"` // "stdout" (default), "none"
	BatchTimeout   time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	MaxExportBatch int           `yaml:"max_export_batch" json:"max_export_batch"`
	MaxQueueSize   int           `yaml:"max_queue_size" json:"max_queue_size"`
}

// DefaultConfig returns the development defaults: stdout exporter, 10%
// sampling, environment taken from MAGNETAR_ENV.
func DefaultConfig() Config {
	sampling := 0.1
	if v := os.Getenv("TRACING_SAMPLING_RATE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			sampling = parsed
		}
	}
	return Config{
		ServiceName:    "magnetar",
		ServiceVersion: "1.0.0",
		Environment:    getEnv("MAGNETAR_ENV", "development"),
		SamplingRate:   sampling,
		ExporterType:   getEnv("TRACING_EXPORTER", "stdout"),
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// Initialize sets up the global tracer provider, meter, and propagators.
// It is safe to call more than once; only the first call takes effect.
func Initialize(config Config) error {
	var err error

	initOnce.Do(func() {
		err = initTracing(config)
		if err != nil {
			return
		}

		meter = otel.Meter(config.ServiceName)

		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	})

	return err
}

func initTracing(config Config) error {
	if config.ServiceName == "" {
		config.ServiceName = "magnetar"
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 5 * time.Second
	}
	if config.MaxExportBatch <= 0 {
		config.MaxExportBatch = 512
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 2048
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.ExporterType == "none" || config.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		),
	)

	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(config.ServiceName)

	return nil
}

// Shutdown flushes and stops the tracer provider.
func Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer: %w", err)
		}
	}
	return nil
}

// GetMeter returns the global meter.
func GetMeter() metric.Meter {
	return meter
}

// Span wraps an otel span, batching attributes until End.
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// StartSpan opens a span for the named operation. Before Initialize runs
// this produces no-op spans, so library code can trace unconditionally.
func StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	t := tracer
	if t == nil {
		t = otel.Tracer("magnetar")
	}
	ctx, span := t.Start(ctx, operation)
	return ctx, &Span{span: span}
}

// SetAttribute queues an attribute on the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent records a point-in-time event on the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed and attaches the error.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End flushes queued attributes and closes the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// Trace runs fn inside a span for the named operation, recording any
// failure on the span before returning it.
func Trace(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, operation)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
