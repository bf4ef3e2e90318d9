package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName scopes every span the daemon emits.
const tracerName = "legato"

var (
	setupOnce sync.Once
	setupErr  error

	providerMu sync.RWMutex
	provider   *sdktrace.TracerProvider
)

// Setup installs the process-wide tracer provider. Calling it more than
// once is harmless; only the first call takes effect.
func Setup(serviceName string) error {
	setupOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			setupErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})
	return setupErr
}

// Shutdown flushes pending spans and releases the tracer provider. A nil
// return on an uninitialized process is deliberate; tests and one-shot
// CLI commands never call Setup.
func Shutdown(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span named spanName and stamps it with whatever job,
// session, and trace identity the context already carries, so spans from
// the sampling loop correlate with the structured log lines for the same
// run. When the context has no trace id yet, the span's own becomes it.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if jobID := GetJobID(ctx); jobID != "" {
		attrs = append(attrs, attribute.String("job_id", jobID))
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		attrs = append(attrs, attribute.String("session_id", sessionID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
