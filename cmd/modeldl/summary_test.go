package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_LogsOnlyFailures(t *testing.T) {
	records := []tracker.Record{
		{ClientID: "a", Folder: "checkpoints", Filename: "ok.safetensors", Status: tracker.StatusCompleted},
		{ClientID: "b", Folder: "loras", Filename: "gone.safetensors", Status: tracker.StatusError, ErrorMessage: "HTTP error 404: Not Found"},
		{ClientID: "c", Folder: "vae", Filename: "slow.pt", Status: tracker.StatusDownloading},
	}

	failed := failedRecords(records)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ClientID)

	var buf bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	summarize(ctx, records)

	out := buf.String()
	assert.Contains(t, out, "gone.safetensors")
	assert.Contains(t, out, "HTTP error 404: Not Found")
	assert.NotContains(t, out, "ok.safetensors")
	assert.NotContains(t, out, "slow.pt")
}

func TestFailedRecords_Empty(t *testing.T) {
	assert.Empty(t, failedRecords(nil))
}
