package logger

import (
	"context"
	"testing"

	"meetrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_LevelFallback(t *testing.T) {
	l := New("verbose")
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	l = New("debug", "console")
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestContextLogger_AddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	cl := NewContextLogger(zap.New(core).Sugar())

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithRoomID(ctx, domain.RoomID("r1"))
	ctx = WithParticipantID(ctx, domain.ParticipantID("p1"))

	cl.LogRequest(ctx, "GET", "/room", 200, 3)

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "r1", fields["room_id"])
		assert.Equal(t, "p1", fields["participant_id"])
		assert.Equal(t, int64(200), fields["status_code"])
	}
}

func TestFields_EmptyContext(t *testing.T) {
	assert.Empty(t, Fields(context.Background()))
}
