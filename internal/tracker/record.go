package tracker

import "fmt"

// Status is the lifecycle state of a tracked download.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ParseStatus maps a wire status to a Status. An empty value and "queued" both mean the
// download is still in flight.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "", "queued", string(StatusDownloading):
		return StatusDownloading, nil
	case string(StatusCompleted):
		return StatusCompleted, nil
	case string(StatusError):
		return StatusError, nil
	}

	return "", fmt.Errorf("unknown download status %q", s)
}

// Attribute keys stored on a Handle for out-of-band matching.
const (
	AttrFolder   = "folder"
	AttrFilename = "filename"
	AttrClientID = "client-download-id"
	AttrServerID = "server-download-id"
	AttrStatus   = "download-status"
)

// Record is the locally tracked state of one download attempt.
type Record struct {
	ClientID string
	ServerID string

	URL      string
	Folder   string
	Filename string

	Status          Status
	Percent         float64
	DownloadedBytes int64
	TotalBytes      int64
	Speed           float64 // MB/s
	ETASeconds      int64
	ErrorMessage    string

	Handle Handle
}

// Snapshot returns a copy of the record that is safe to hand to the presentation layer.
func (r *Record) Snapshot() Record {
	return *r
}

// Notification is the canonical progress payload pushed by the backend.
type Notification struct {
	DownloadID string  `json:"download_id"`
	Status     string  `json:"status"`
	Percent    float64 `json:"percent,omitempty"`
	Downloaded int64   `json:"downloaded,omitempty"`
	TotalSize  int64   `json:"total_size,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	ETA        int64   `json:"eta,omitempty"`
	Error      string  `json:"error,omitempty"`
	Folder     string  `json:"folder,omitempty"`
	Filename   string  `json:"filename,omitempty"`
}
