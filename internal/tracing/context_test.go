package tracing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetJobID(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithJobID(ctx, "job-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithRequestID(ctx, "req-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "job-1", GetJobID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))
}

func TestFromContextRoundTrip(t *testing.T) {
	tc := &TraceContext{TraceID: "t", JobID: "j", SessionID: "s", RequestID: "r"}
	ctx := NewContext(context.Background(), tc)
	assert.Equal(t, tc, FromContext(ctx))
}

func TestNewRequestContext(t *testing.T) {
	a := NewRequestContext(context.Background())
	b := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(a))
	assert.NotEqual(t, GetTraceID(a), GetTraceID(b))
}

func TestNewJobRunContext(t *testing.T) {
	ctx := NewJobRunContext(context.Background(), "job-1", "sess-1")
	assert.NotEmpty(t, GetTraceID(ctx), "a trace id is minted when missing")
	assert.Equal(t, "job-1", GetJobID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))

	// An existing trace id is preserved.
	parent := WithTraceID(context.Background(), "trace-keep")
	ctx = NewJobRunContext(parent, "job-2", "sess-2")
	assert.Equal(t, "trace-keep", GetTraceID(ctx))
}

func TestMergeContext(t *testing.T) {
	source := NewContext(context.Background(),
		&TraceContext{TraceID: "t-src", JobID: "j-src"})
	target := WithTraceID(context.Background(), "t-target")

	merged := MergeContext(target, source)
	assert.Equal(t, "t-target", GetTraceID(merged), "target values are not overwritten")
	assert.Equal(t, "j-src", GetJobID(merged), "missing values are filled from source")
}

func TestCloneContextDetachesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	parent = WithTraceID(parent, "trace-1")

	clone := CloneContext(parent)
	cancel()

	select {
	case <-clone.Done():
		t.Fatal("clone must not inherit the parent's cancellation")
	case <-time.After(10 * time.Millisecond):
	}
	assert.Equal(t, "trace-1", GetTraceID(clone))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewJobRunContext(WithTraceID(context.Background(), "trace-1"), "job-1", "sess-1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, `"session_id":"sess-1"`)
}
