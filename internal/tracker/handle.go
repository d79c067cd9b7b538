package tracker

import (
	"fmt"
	"strconv"
)

// Handle is the visual control that represents a download. Implementations must turn
// every call into a no-op once the control has been destroyed by the UI layer.
type Handle interface {
	SetLabel(text string)
	SetEnabled(enabled bool)
	SetTooltip(text string)
	SetAttr(key, value string)
	Attr(key string) string
}

const (
	labelStarting  = "Downloading..."
	labelCompleted = "Downloaded"
	labelFailed    = "Failed - Try Again"

	defaultFailure = "Download failed"
)

func renderStarting(h Handle, rec *Record) {
	if h == nil {
		return
	}

	h.SetAttr(AttrClientID, rec.ClientID)
	h.SetAttr(AttrFolder, rec.Folder)
	h.SetAttr(AttrFilename, rec.Filename)
	h.SetAttr(AttrStatus, string(StatusDownloading))
	h.SetEnabled(false)
	h.SetLabel(labelStarting)
}

func renderProgress(h Handle, rec *Record) {
	if h == nil {
		return
	}

	h.SetLabel(ProgressLabel(rec.Percent, rec.Speed, rec.ETASeconds))
	h.SetEnabled(false)
	h.SetAttr(AttrStatus, string(StatusDownloading))
}

func renderCompleted(h Handle) {
	if h == nil {
		return
	}

	h.SetEnabled(false)
	h.SetLabel(labelCompleted)
	h.SetAttr(AttrStatus, string(StatusCompleted))
}

func renderFailed(h Handle, msg string) {
	if h == nil {
		return
	}

	if msg == "" {
		msg = defaultFailure
	}

	h.SetEnabled(true)
	h.SetLabel(labelFailed)
	h.SetTooltip(msg)
	h.SetAttr(AttrStatus, string(StatusError))
}

// ProgressLabel formats the in-flight label, e.g. "42% (3.1 MB/s) - 1m 5s remaining".
func ProgressLabel(percent, speed float64, eta int64) string {
	label := strconv.FormatFloat(percent, 'f', -1, 64) + "%"

	if speed > 0 {
		label += " (" + strconv.FormatFloat(speed, 'f', -1, 64) + " MB/s)"
	}

	if eta > 0 {
		label += fmt.Sprintf(" - %dm %ds remaining", eta/60, eta%60)
	}

	return label
}
