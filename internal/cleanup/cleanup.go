package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
)

// PartialSuffix marks files that are still being written.
const PartialSuffix = ".part"

// HistoryPruner deletes finished history rows.
type HistoryPruner interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

var _ HistoryPruner = (storage.DownloadWriteRepository)(nil)

// PruneHistory removes finished downloads older than retention from the history.
func PruneHistory(ctx context.Context, repo HistoryPruner, retention time.Duration) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	deleted, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Error("failed to prune download history", "err", err)

		return 0, err
	}

	if deleted > 0 {
		logger.Info("pruned download history", "rows", deleted, "retention", retention)
	}

	return deleted, nil
}

// DeleteStalePartials removes .part files under dirs not modified for keepDuration. They
// are left behind when the process dies mid-download.
func DeleteStalePartials(ctx context.Context, dirs []string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if d.IsDir() || !strings.HasSuffix(d.Name(), PartialSuffix) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if now.Sub(info.ModTime()) <= keepDuration {
				return nil
			}

			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Error("failed to delete stale partial file", "file", path, "err", err)

				return err
			}

			logger.Info("deleted stale partial file", "file", path, "size", humanize.Bytes(uint64(info.Size())))

			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Run prunes history and partial files every interval until ctx is done. A non-positive
// interval disables cleanup.
func Run(ctx context.Context, interval time.Duration, repo HistoryPruner, retention time.Duration, dirs func() []string) {
	logger := logctx.LoggerFromContext(ctx)

	if interval <= 0 {
		logger.Warn("cleanup disabled", "interval", interval)

		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down cleanup")

			return
		case <-ticker.C:
			_, _ = PruneHistory(ctx, repo, retention)

			if err := DeleteStalePartials(ctx, dirs(), retention); err != nil {
				logger.Error("failed to delete stale partial files", "err", err)
			}
		}
	}
}
