package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan(t *testing.T) {
	require.NoError(t, Setup("legato-test"))
	t.Cleanup(func() {
		require.NoError(t, Shutdown(context.Background()))
	})

	t.Run("mints trace id from span", func(t *testing.T) {
		ctx, span := StartSpan(context.Background(), "engine.run")
		defer span.End()

		assert.True(t, span.SpanContext().IsValid())
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	})

	t.Run("keeps existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-keep")
		ctx, span := StartSpan(ctx, "tool.execute")
		defer span.End()

		assert.Equal(t, "trace-keep", GetTraceID(ctx))
	})

	t.Run("setup is idempotent", func(t *testing.T) {
		assert.NoError(t, Setup("other-name"))
	})
}
