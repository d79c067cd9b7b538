package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_EmptyRegistryIsNoop(t *testing.T) {
	sink := &recordingSink{}
	g := NewGate(NewRegistry(), sink)

	assert.False(t, g.Check())
	assert.Empty(t, sink.events)
}

func TestGate_FiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	r, sink := newTestReconciler()

	a := r.Begin("u1", "checkpoints", "a.ckpt", nil)
	b := r.Begin("u2", "loras", "b.safetensors", nil)
	r.Attach(ctx, a, "A")
	r.Attach(ctx, b, "B")

	require.NoError(t, r.Apply(ctx, Notification{DownloadID: "A", Status: "completed"}))
	assert.False(t, r.Registry().AllTerminal())
	assert.Zero(t, sink.count(isAllComplete))

	require.NoError(t, r.Apply(ctx, Notification{DownloadID: "B", Status: "error", Error: "404"}))
	assert.True(t, r.Registry().AllTerminal())
	assert.Equal(t, 1, sink.count(isAllComplete))

	assert.False(t, r.Gate().Check())
	assert.False(t, r.Gate().Check())
	assert.Equal(t, 1, sink.count(isAllComplete))

	var done AllDownloadsComplete
	for _, e := range sink.events {
		if ev, ok := e.(AllDownloadsComplete); ok {
			done = ev
		}
	}

	assert.Equal(t, AllDownloadsComplete{Completed: 1, Failed: 1}, done)
}

func TestGate_RearmsForNewGeneration(t *testing.T) {
	ctx := context.Background()
	r, sink := newTestReconciler()

	a := r.Begin("u1", "checkpoints", "a.ckpt", nil)
	r.Attach(ctx, a, "A")
	require.NoError(t, r.Apply(ctx, Notification{DownloadID: "A", Status: "error", Error: "timeout"}))
	require.Equal(t, 1, sink.count(isAllComplete))

	retry := r.Begin("u1", "checkpoints", "a.ckpt", nil)
	assert.False(t, r.Gate().Check())

	r.Attach(ctx, retry, "A2")
	require.NoError(t, r.Apply(ctx, Notification{DownloadID: "A2", Status: "completed"}))
	assert.Equal(t, 2, sink.count(isAllComplete))
}
