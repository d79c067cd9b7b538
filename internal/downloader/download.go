package downloader

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressMessageType is the push message type carrying Progress payloads.
const ProgressMessageType = "model_download_progress"

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Request asks for url to be stored as filename inside the named model folder.
type Request struct {
	URL      string `json:"url"`
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
}

// Download is the server side state of one download.
type Download struct {
	ID         string
	URL        string
	Folder     string
	Filename   string
	Path       string
	Status     Status
	Percent    int
	Downloaded int64
	TotalSize  int64
	Speed      float64 // MB/s
	ETA        int64   // seconds
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Progress is the wire form of a Download, pushed to subscribers and served by the API.
type Progress struct {
	DownloadID string  `json:"download_id"`
	Status     Status  `json:"status"`
	Percent    int     `json:"percent"`
	Downloaded int64   `json:"downloaded"`
	TotalSize  int64   `json:"total_size"`
	Speed      float64 `json:"speed"`
	ETA        int64   `json:"eta"`
	Error      string  `json:"error,omitempty"`
	Folder     string  `json:"folder"`
	Filename   string  `json:"filename"`
	Path       string  `json:"path,omitempty"`
}

func (d Download) Progress() Progress {
	return Progress{
		DownloadID: d.ID,
		Status:     d.Status,
		Percent:    d.Percent,
		Downloaded: d.Downloaded,
		TotalSize:  d.TotalSize,
		Speed:      d.Speed,
		ETA:        d.ETA,
		Error:      d.Error,
		Folder:     d.Folder,
		Filename:   d.Filename,
		Path:       d.Path,
	}
}

// HTTPError is a non-200 answer from the model host.
type HTTPError struct {
	StatusCode int
	Reason     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Reason)
}

// InsufficientSpaceError is returned when the destination volume cannot hold the file.
type InsufficientSpaceError struct {
	Dir       string
	Needed    uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough disk space in %s: need %s, have %s",
		e.Dir, humanize.IBytes(e.Needed), humanize.IBytes(e.Available))
}
