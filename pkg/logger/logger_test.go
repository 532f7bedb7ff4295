package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{zap.New(core).Sugar()}, logs
}

func TestFromContext(t *testing.T) {
	l, logs := observed()
	ctx := WithLogger(context.Background(), l.WithComponent("jtx"))

	Info(ctx, "transaction committed", "tx_id", 7)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "transaction committed", entry.Message)
	assert.Equal(t, "jtx", entry.ContextMap()["component"])
	assert.EqualValues(t, 7, entry.ContextMap()["tx_id"])
}

func TestWithContext_AddsTraceIDs(t *testing.T) {
	l, logs := observed()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.WithContext(ctx).Debugw("request")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
}

func TestWithContext_NoSpan(t *testing.T) {
	l, _ := observed()
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.False(t, l.Desugar().Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Desugar().Core().Enabled(zap.InfoLevel))
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() { Nop().Infow("discarded") })
}
