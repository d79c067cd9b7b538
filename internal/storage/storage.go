package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no history row matches.
var ErrNotFound = errors.New("download not found")

// DownloadRecord is one row of the download history.
type DownloadRecord struct {
	DownloadID string    `json:"download_id"`
	URL        string    `json:"url"`
	Folder     string    `json:"folder"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	TotalSize  int64     `json:"total_size"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type DownloadReadRepository interface {
	GetDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
	GetDownload(ctx context.Context, downloadID string) (DownloadRecord, error)
}

type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	UpdateDownloadStatus(ctx context.Context, downloadID, status, errMsg, path string, totalSize int64) error
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
