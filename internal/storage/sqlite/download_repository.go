package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/model_downloader/internal/storage"
)

type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

const selectColumns = `SELECT download_id, url, folder, filename, path, status, error, total_size, created_at, updated_at FROM downloads`

// TrackDownload inserts a history row. Tracking the same id twice keeps the first row.
func (r *DownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	now := r.now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (download_id, url, folder, filename, path, status, total_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id) DO NOTHING`,
		rec.DownloadID, rec.URL, rec.Folder, rec.Filename, rec.Path, rec.Status, rec.TotalSize, now, now,
	)

	return err
}

// UpdateDownloadStatus records the outcome of a download. Empty path keeps the stored one.
func (r *DownloadRepository) UpdateDownloadStatus(ctx context.Context, downloadID, status, errMsg, path string, totalSize int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET
			status = ?,
			error = NULLIF(?, ''),
			path = COALESCE(NULLIF(?, ''), path),
			total_size = CASE WHEN ? > 0 THEN ? ELSE total_size END,
			updated_at = ?
		WHERE download_id = ?`,
		status, errMsg, path, totalSize, totalSize, r.now().UTC(), downloadID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetDownloads returns the most recently updated rows first. limit <= 0 means no limit.
func (r *DownloadRepository) GetDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, selectColumns+` ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) GetDownload(ctx context.Context, downloadID string) (storage.DownloadRecord, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectColumns+` WHERE download_id = ?`, downloadID))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	return rec, err
}

// DeleteFinishedBefore prunes completed and failed rows last updated before the cutoff.
func (r *DownloadRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE status IN ('completed', 'error') AND updated_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		rec       storage.DownloadRecord
		path      sql.NullString
		errorText sql.NullString
	)

	err := s.Scan(&rec.DownloadID, &rec.URL, &rec.Folder, &rec.Filename, &path, &rec.Status, &errorText,
		&rec.TotalSize, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	rec.Path = path.String
	rec.Error = errorText.String

	return rec, nil
}
