package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newJSONLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewTraceHandler(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level})))
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer

	newJSONLogger(&buf, slog.LevelInfo).InfoContext(context.Background(), "model queued", "folder", "loras")

	entry := decodeEntry(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "download_id")
	assert.Equal(t, "model queued", entry["msg"])
	assert.Equal(t, "loras", entry["folder"])
}

func TestTraceHandler_InjectsSpan(t *testing.T) {
	var buf bytes.Buffer

	newJSONLogger(&buf, slog.LevelInfo).InfoContext(spanContext(t), "chunk written")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestTraceHandler_InjectsDownloadID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithDownloadID(context.Background(), "checkpoints_sdxl.safetensors_1700000000")
	newJSONLogger(&buf, slog.LevelInfo).WarnContext(ctx, "slow mirror")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "checkpoints_sdxl.safetensors_1700000000", entry["download_id"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_AttrsAndGroupsStayWrapped(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "hub")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	withGroup := withAttrs.WithGroup("ws")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(spanContext(t), "client joined", "clients", 2)

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "hub", entry["component"])
	assert.Contains(t, entry, "ws")
}

func TestNewTraceHandler_NilPanics(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}

func TestLoggerFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, l, LoggerFromContext(WithLogger(context.Background(), l)))

	_, ok := DownloadIDFromContext(WithDownloadID(context.Background(), ""))
	assert.False(t, ok)
}
