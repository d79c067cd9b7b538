package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) (*DownloadRepository, *time.Time) {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewDownloadRepository(db)
	repo.now = func() time.Time { return clock }

	return repo, &clock
}

func TestDownloadRepository_TrackAndUpdate(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(t)

	rec := storage.DownloadRecord{
		DownloadID: "checkpoints_sd.safetensors_1700000000",
		URL:        "https://huggingface.co/sd.safetensors",
		Folder:     "checkpoints",
		Filename:   "sd.safetensors",
		Path:       "/models/checkpoints/sd.safetensors",
		Status:     "queued",
	}
	require.NoError(t, repo.TrackDownload(ctx, rec))
	require.NoError(t, repo.TrackDownload(ctx, rec), "tracking twice is a no-op")

	*clock = clock.Add(time.Minute)
	require.NoError(t, repo.UpdateDownloadStatus(ctx, rec.DownloadID, "completed", "", "/models/checkpoints/sd_1700000001.safetensors", 2048))

	got, err := repo.GetDownload(ctx, rec.DownloadID)
	require.NoError(t, err)

	assert.Equal(t, "completed", got.Status)
	assert.Empty(t, got.Error)
	assert.Equal(t, "/models/checkpoints/sd_1700000001.safetensors", got.Path)
	assert.Equal(t, int64(2048), got.TotalSize)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
}

func TestDownloadRepository_UpdateKeepsKnownValues(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		DownloadID: "a", URL: "u", Folder: "vae", Filename: "a.pt", Path: "/m/vae/a.pt", Status: "downloading", TotalSize: 10,
	}))
	require.NoError(t, repo.UpdateDownloadStatus(ctx, "a", "error", "HTTP error 404: Not Found", "", 0))

	got, err := repo.GetDownload(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "error", got.Status)
	assert.Equal(t, "HTTP error 404: Not Found", got.Error)
	assert.Equal(t, "/m/vae/a.pt", got.Path)
	assert.Equal(t, int64(10), got.TotalSize)
}

func TestDownloadRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	_, err := repo.GetDownload(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = repo.UpdateDownloadStatus(ctx, "missing", "completed", "", "", 0)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	repo, clock := newTestRepo(t)

	for _, id := range []string{"old", "running", "new"} {
		require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{DownloadID: id, URL: "u", Folder: "loras", Filename: id, Status: "downloading"}))

		if id != "running" {
			require.NoError(t, repo.UpdateDownloadStatus(ctx, id, "completed", "", "", 0))
		}

		*clock = clock.Add(time.Hour)
	}

	all, err := repo.GetDownloads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].DownloadID)

	limited, err := repo.GetDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	deleted, err := repo.DeleteFinishedBefore(ctx, clock.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rest, err := repo.GetDownloads(ctx, 0)
	require.NoError(t, err)

	ids := []string{rest[0].DownloadID, rest[1].DownloadID}
	assert.ElementsMatch(t, []string{"new", "running"}, ids)
}

func TestInstrumentedDownloadRepository_DisabledTelemetry(t *testing.T) {
	ctx := context.Background()

	db, err := InitDB(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	defer db.Close()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	repo := NewInstrumentedDownloadRepository(db, tel)
	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{DownloadID: "x", URL: "u", Folder: "vae", Filename: "x", Status: "queued"}))

	got, err := repo.GetDownload(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)

	list, err := repo.GetDownloads(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
