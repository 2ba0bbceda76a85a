package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "roomsync"

// Task is a unit of work visible both in `go tool trace` and, once ConfigureOTLP has been
// called, as an OTLP span.
type Task struct {
	t *trace.Task
	o otrace.Span
}

func (s *Task) End() {
	s.t.End()
	s.o.End()
}

// SetError marks the span as failed.
func (s *Task) SetError(err error) {
	if err == nil {
		return
	}
	s.o.RecordError(err)
	s.o.SetStatus(codes.Error, err.Error())
}

// StartTask starts a task named name. The span carries the session, identity, event kind and
// room held in ctx.
func StartTask(ctx context.Context, name string) (context.Context, *Task) {
	ctx, task := trace.NewTask(ctx, name)
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name, otrace.WithAttributes(spanAttributes(ctx)...))
	return newCtx, &Task{
		t: task,
		o: ospan,
	}
}

func spanAttributes(ctx context.Context) []attribute.KeyValue {
	d := fromContext(ctx)
	var attrs []attribute.KeyValue
	if d.sessionID != "" {
		attrs = append(attrs, attribute.String("roomsync.session", d.sessionID))
	}
	if d.identity != "" {
		attrs = append(attrs, attribute.String("roomsync.identity", d.identity))
	}
	if d.kind != "" {
		attrs = append(attrs, attribute.String("roomsync.kind", d.kind))
	}
	if d.roomID != "" {
		attrs = append(attrs, attribute.String("roomsync.room", d.roomID))
	}
	return attrs
}

// ConfigureOTLP exports spans to the OTLP/HTTP collector at otlpURL, which must not have a path.
// Basic auth is used if both otlpUser and otlpPass are set. The returned func flushes and stops
// the exporter.
func ConfigureOTLP(otlpURL, otlpUser, otlpPass, version string) (shutdown func(context.Context) error, err error) {
	u, err := url.Parse(otlpURL)
	if err != nil {
		return nil, err
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("OTLP URL %s cannot contain any path segments", otlpURL)
	}
	insecure := u.Scheme == "http"
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if otlpUser != "" && otlpPass != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(otlpUser + ":" + otlpPass))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + creds,
		}))
	}
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("roomsync"),
			semconv.ServiceVersion(version),
		)),
	)
	otel.SetTracerProvider(tp)
	// accept both W3C traceparent and uber-trace-id headers from upstream proxies
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	logger.Info().Str("host", u.Host).Bool("insecure", insecure).Msg("exporting traces over OTLP")
	return tp.Shutdown, nil
}
