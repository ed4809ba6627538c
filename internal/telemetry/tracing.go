// Package telemetry provides shared OTel tracer initialization for the
// orchestrator (queue, executor) and the workspace layer.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set. Without it
// a no-op tracer is used (zero overhead).
package telemetry

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName       = "taskcore"
	scopeOrchestrator = "taskcore.orchestrator"

	SpanTaskRun     = "taskcore.task.run"
	SpanStepExec    = "taskcore.step.exec"
	SpanAdapterSend = "taskcore.adapter.send"
	SpanStoreTx     = "taskcore.store.tx"

	AttrTaskID      = "taskcore.task_id"
	AttrWorkspaceID = "taskcore.workspace_id"
	AttrStepNumber  = "taskcore.step_number"
	AttrRetryCount  = "taskcore.retry_count"
	AttrStatus      = "taskcore.status"
	AttrVendor      = "taskcore.vendor"
)

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = sdkresource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme and any trailing slashes from the
// endpoint URL for otlptracehttp, which wants a bare host:port.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			endpoint = endpoint[len(prefix):]
			break
		}
	}
	return strings.TrimRight(endpoint, "/")
}

func tracer() trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(scopeOrchestrator)
}

// StartSpan starts a span named name under this module's tracer scope.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err (if any) on span and closes it.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrStatus, "error"))
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.String(AttrStatus, "ok"))
	}
	span.End()
}

// Shutdown flushes pending spans and shuts down the provider, if one was
// installed (i.e. OTEL_EXPORTER_OTLP_ENDPOINT was set).
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
