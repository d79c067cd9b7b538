// Package push is the ingestion boundary of the websocket progress channel. It unwraps the
// envelopes the backend (or a host event bus) puts around progress payloads and feeds the
// canonical notifications to the tracker.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/italolelis/model_downloader/internal/tracker"
)

// MessageType is the envelope type carrying download progress.
const MessageType = "model_download_progress"

// ErrIgnored is returned by Decode for well-formed messages of other types.
var ErrIgnored = errors.New("push: message is not a download progress notification")

// NotificationParseError reports a push message that could not be decoded.
type NotificationParseError struct {
	Raw string
	Err error
}

func (e *NotificationParseError) Error() string {
	return fmt.Sprintf("failed to parse push message %q: %v", e.Raw, e.Err)
}

func (e *NotificationParseError) Unwrap() error {
	return e.Err
}

const maxRawInError = 256

type envelope struct {
	Type   *string         `json:"type"`
	Data   json.RawMessage `json:"data"`
	Detail json.RawMessage `json:"detail"`

	DownloadID *string `json:"download_id"`
}

// payload mirrors the progress object on the wire. Numbers are decoded as floats because
// producers are not consistent about integer fields.
type payload struct {
	DownloadID string  `json:"download_id"`
	Status     string  `json:"status"`
	Percent    float64 `json:"percent"`
	Downloaded float64 `json:"downloaded"`
	TotalSize  float64 `json:"total_size"`
	Speed      float64 `json:"speed"`
	ETA        float64 `json:"eta"`
	Error      string  `json:"error"`
	Folder     string  `json:"folder"`
	Filename   string  `json:"filename"`
}

// Decode turns one push message into a notification. It accepts a bare payload,
// {type, data}, {detail: payload}, {detail: {type, data}} and {detail: {data}}.
func Decode(raw []byte) (tracker.Notification, error) {
	n, err := decode(raw, 0)
	if err != nil && !errors.Is(err, ErrIgnored) {
		return tracker.Notification{}, &NotificationParseError{Raw: truncate(raw), Err: err}
	}

	return n, err
}

func decode(raw []byte, depth int) (tracker.Notification, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return tracker.Notification{}, errors.New("expected a JSON object")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return tracker.Notification{}, err
	}

	switch {
	case env.DownloadID != nil:
		return decodePayload(raw)
	case env.Type != nil:
		if *env.Type != MessageType {
			return tracker.Notification{}, ErrIgnored
		}

		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return tracker.Notification{}, errors.New("envelope has no data")
		}

		return decodePayload(env.Data)
	case len(env.Detail) > 0 && depth == 0:
		return decode(env.Detail, depth+1)
	case depth > 0 && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")):
		// host events carry the payload as detail.data without a type
		return decodePayload(env.Data)
	default:
		return tracker.Notification{}, errors.New("no download_id in message")
	}
}

func decodePayload(raw []byte) (tracker.Notification, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return tracker.Notification{}, err
	}

	if p.DownloadID == "" {
		return tracker.Notification{}, errors.New("empty download_id")
	}

	return tracker.Notification{
		DownloadID: p.DownloadID,
		Status:     p.Status,
		Percent:    p.Percent,
		Downloaded: int64(p.Downloaded),
		TotalSize:  int64(p.TotalSize),
		Speed:      p.Speed,
		ETA:        int64(p.ETA),
		Error:      p.Error,
		Folder:     p.Folder,
		Filename:   p.Filename,
	}, nil
}

func truncate(raw []byte) string {
	if len(raw) <= maxRawInError {
		return string(raw)
	}

	return string(raw[:maxRawInError]) + "..."
}
