package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	if tc.TraceID != "" {
		logger = logger.With().Str("trace_id", tc.TraceID).Logger()
	}
	if tc.JobID != "" {
		logger = logger.With().Str("job_id", tc.JobID).Logger()
	}
	if tc.SessionID != "" {
		logger = logger.With().Str("session_id", tc.SessionID).Logger()
	}
	if tc.RequestID != "" {
		logger = logger.With().Str("request_id", tc.RequestID).Logger()
	}

	return logger
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context.
// Useful when a job run outlives the HTTP request that created it.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.JobID != "" && GetJobID(target) == "" {
		target = WithJobID(target, tc.JobID)
	}
	if tc.SessionID != "" && GetSessionID(target) == "" {
		target = WithSessionID(target, tc.SessionID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}

	return target
}

// CloneContext creates a new context with the same tracing information,
// detached from the parent's cancellation. The lifecycle controller uses
// this when launching a run that must survive the creating request.
func CloneContext(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	return NewContext(context.Background(), tc)
}
