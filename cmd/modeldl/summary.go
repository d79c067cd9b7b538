package main

import (
	"context"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/tracker"
)

func failedRecords(records []tracker.Record) []tracker.Record {
	var out []tracker.Record

	for _, rec := range records {
		if rec.Status == tracker.StatusError {
			out = append(out, rec)
		}
	}

	return out
}

// summarize logs one line per failed attempt so the reason survives the progress noise.
func summarize(ctx context.Context, records []tracker.Record) {
	logger := logctx.LoggerFromContext(ctx)

	for _, rec := range failedRecords(records) {
		logger.Error("download not completed",
			"folder", rec.Folder, "filename", rec.Filename, "url", rec.URL, "err", rec.ErrorMessage)
	}
}
