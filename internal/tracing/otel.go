// Package tracing provides shared OTel tracer initialization for the
// orchestration nucleus: IPC verb dispatch and the admin HTTP surface pull
// named tracers from here; task store mutations are not traced.
//
// Real tracing requires an OTLP endpoint, from Config.Endpoint or the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable. Without one, a no-op
// tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "oms-orchestrator"

// Config controls how the nucleus's tracer provider is built. Zero value
// means "use OTEL_EXPORTER_OTLP_ENDPOINT and sample everything", the
// same behavior as not calling Configure at all.
type Config struct {
	// Endpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT when set.
	Endpoint string
	// SampleRatio, in (0, 1), enables ratio-based sampling instead of
	// always-on. Values outside that range are ignored.
	SampleRatio float64
}

var (
	mu         sync.Mutex
	configured Config

	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Configure records cfg for the next call to Tracer to pick up. Call this
// once at startup, before any component obtains a tracer; it is a no-op
// once initialization has already run.
func Configure(cfg Config) {
	mu.Lock()
	configured = cfg
	mu.Unlock()
}

func initTracing() {
	mu.Lock()
	cfg := configured
	mu.Unlock()

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
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

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceInstanceID(instanceID()),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// instanceID identifies this omsd process in trace resource attributes.
// Falls back to "unknown" rather than failing initialization outright.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
