package logger

import (
	"context"

	"meetrelay/internal/core/domain"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	roomIDKey
	participantIDKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithRoomID(ctx context.Context, id domain.RoomID) context.Context {
	return context.WithValue(ctx, roomIDKey, id)
}

func WithParticipantID(ctx context.Context, id domain.ParticipantID) context.Context {
	return context.WithValue(ctx, participantIDKey, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns a logger carrying the trace, request, room and participant ids
// found in ctx.
func (cl *ContextLogger) For(ctx context.Context) *zap.SugaredLogger {
	return cl.logger.Desugar().With(Fields(ctx)...).Sugar()
}

// Fields extracts the correlation fields stored in ctx.
func Fields(ctx context.Context) []zapcore.Field {
	var fields []zapcore.Field

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ctx.Value(roomIDKey).(domain.RoomID); ok && id != "" {
		fields = append(fields, zap.String("room_id", string(id)))
	}
	if id, ok := ctx.Value(participantIDKey).(domain.ParticipantID); ok && id != "" {
		fields = append(fields, zap.String("participant_id", string(id)))
	}
	return fields
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, durationMs int64) {
	cl.For(ctx).Infow("http_request",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", durationMs,
	)
}
