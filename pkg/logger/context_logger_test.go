package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsCallFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithTraceID(WithCall(context.Background(), "r1", "alice"), "abc123")
	cl.Sugar(ctx).Infow("offer published")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "r1", fields["room_id"])
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, "abc123", fields["trace_id"])
}

func TestContextLogger_NoFieldsReturnsBase(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogError(context.Background(), errors.New("boom"), "stats failed")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "stats failed", entry.Message)
	assert.Equal(t, "boom", entry.ContextMap()["error"])
	_, hasRoom := entry.ContextMap()["room_id"]
	assert.False(t, hasRoom)
}

func TestNew_FallsBackToInfoOnBadLevel(t *testing.T) {
	l := New("loud")
	require.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
}
