package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/folders"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDownloads struct {
	enqueueFunc func(ctx context.Context, req downloader.Request) (downloader.Download, error)
	lastRequest downloader.Request
	downloads   []downloader.Download
}

func (m *mockDownloads) Enqueue(ctx context.Context, req downloader.Request) (downloader.Download, error) {
	m.lastRequest = req

	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, req)
	}

	if req.URL == "" || req.Folder == "" || req.Filename == "" {
		return downloader.Download{}, downloader.ErrMissingParameters
	}

	return downloader.Download{ID: req.Folder + "_" + req.Filename + "_1700000000", Status: downloader.StatusQueued}, nil
}

func (m *mockDownloads) Get(id string) (downloader.Download, bool) {
	for _, dl := range m.downloads {
		if dl.ID == id {
			return dl, true
		}
	}

	return downloader.Download{}, false
}

func (m *mockDownloads) Active() []downloader.Download {
	return m.downloads
}

type mockHistory struct {
	records   []storage.DownloadRecord
	err       error
	lastLimit int
}

func (m *mockHistory) GetDownloads(_ context.Context, limit int) ([]storage.DownloadRecord, error) {
	m.lastLimit = limit

	return m.records, m.err
}

func (m *mockHistory) GetDownload(context.Context, string) (storage.DownloadRecord, error) {
	return storage.DownloadRecord{}, storage.ErrNotFound
}

func serve(t *testing.T, h *DownloadHandler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return rec, body
}

func TestHandleDownloadModel_BodyFormats(t *testing.T) {
	want := downloader.Request{
		URL:      "https://huggingface.co/org/repo/resolve/main/model.safetensors",
		Folder:   "checkpoints",
		Filename: "model.safetensors",
	}

	tests := []struct {
		name        string
		contentType string
		target      string
		body        string
	}{
		{
			name:        "json",
			contentType: "application/json",
			target:      "/download-model",
			body:        `{"url":"https://huggingface.co/org/repo/resolve/main/model.safetensors","folder":"checkpoints","filename":"model.safetensors"}`,
		},
		{
			name:        "json with charset",
			contentType: "application/json; charset=utf-8",
			target:      "/download-model",
			body:        `{"url":"https://huggingface.co/org/repo/resolve/main/model.safetensors","folder":"checkpoints","filename":"model.safetensors"}`,
		},
		{
			name:        "form",
			contentType: "application/x-www-form-urlencoded",
			target:      "/download-model",
			body:        "url=https%3A%2F%2Fhuggingface.co%2Forg%2Frepo%2Fresolve%2Fmain%2Fmodel.safetensors&folder=checkpoints&filename=model.safetensors",
		},
		{
			name:   "query string",
			target: "/download-model?url=https%3A%2F%2Fhuggingface.co%2Forg%2Frepo%2Fresolve%2Fmain%2Fmodel.safetensors&folder=checkpoints&filename=model.safetensors",
		},
		{
			name:        "untyped json",
			contentType: "text/plain",
			target:      "/download-model",
			body:        `{"url":"https://huggingface.co/org/repo/resolve/main/model.safetensors","folder":"checkpoints","filename":"model.safetensors"}`,
		},
		{
			name:        "untyped pairs",
			contentType: "text/plain",
			target:      "/download-model",
			body:        "url=https://huggingface.co/org/repo/resolve/main/model.safetensors&folder=checkpoints&filename=model.safetensors",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockDownloads{}
			h := NewDownloadHandler(m, nil)

			req := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			rec, body := serve(t, h, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, want, m.lastRequest)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, "checkpoints_model.safetensors_1700000000", body["download_id"])
			assert.Equal(t, "queued", body["status"])
			assert.NotEmpty(t, body["message"])
		})
	}
}

func TestHandleDownloadModel_Rejections(t *testing.T) {
	fs := folders.New(t.TempDir())
	filter := trust.NewFilter()

	validating := func(_ context.Context, req downloader.Request) (downloader.Download, error) {
		if req.URL == "" || req.Folder == "" || req.Filename == "" {
			return downloader.Download{}, downloader.ErrMissingParameters
		}

		if err := filter.Check(req.URL); err != nil {
			return downloader.Download{}, err
		}

		if _, err := fs.Destination(req.Folder, req.Filename); err != nil {
			return downloader.Download{}, err
		}

		return downloader.Download{ID: "ok"}, nil
	}

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "missing filename",
			body:      `{"url":"https://huggingface.co/a.ckpt","folder":"checkpoints"}`,
			wantError: "Missing required parameters",
		},
		{
			name:      "malformed json",
			body:      `{"url":`,
			wantError: "Missing required parameters",
		},
		{
			name:      "unknown folder",
			body:      `{"url":"https://huggingface.co/a.ckpt","folder":"lora","filename":"a.ckpt"}`,
			wantError: `Invalid folder: lora (did you mean "loras"?)`,
		},
		{
			name:      "untrusted source",
			body:      `{"url":"https://files.example.net/a.ckpt","folder":"checkpoints","filename":"a.ckpt"}`,
			wantError: "untrusted source: host files.example.net is not in the allow-list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewDownloadHandler(&mockDownloads{enqueueFunc: validating}, nil)

			req := httptest.NewRequest(http.MethodPost, "/download-model", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			rec, body := serve(t, h, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantError, body["error"])
			assert.NotContains(t, body, "download_id")
		})
	}
}

func TestHandleDownloadModel_ShuttingDown(t *testing.T) {
	m := &mockDownloads{enqueueFunc: func(context.Context, downloader.Request) (downloader.Download, error) {
		return downloader.Download{}, downloader.ErrClosed
	}}
	h := NewDownloadHandler(m, nil)

	req := httptest.NewRequest(http.MethodPost, "/download-model", strings.NewReader(`{"url":"u","folder":"f","filename":"n"}`))
	req.Header.Set("Content-Type", "application/json")

	rec, body := serve(t, h, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestHandleDownloadProgress(t *testing.T) {
	m := &mockDownloads{downloads: []downloader.Download{{
		ID:         "vae_vae.pt_1700000000",
		Folder:     "vae",
		Filename:   "vae.pt",
		Status:     downloader.StatusDownloading,
		Percent:    42,
		Downloaded: 420,
		TotalSize:  1000,
		Speed:      3.1,
	}}}
	h := NewDownloadHandler(m, nil)

	t.Run("found", func(t *testing.T) {
		_, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/download-progress/vae_vae.pt_1700000000", nil))

		assert.Equal(t, true, body["success"])

		dl, ok := body["download"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "vae_vae.pt_1700000000", dl["download_id"])
		assert.Equal(t, "downloading", dl["status"])
		assert.InDelta(t, 42, dl["percent"], 0.001)
		assert.InDelta(t, 3.1, dl["speed"], 0.001)
	})

	t.Run("unknown", func(t *testing.T) {
		_, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/download-progress/nope", nil))

		assert.Equal(t, false, body["success"])
		assert.Equal(t, "Download not found", body["error"])
	})
}

func TestHandleListDownloads(t *testing.T) {
	m := &mockDownloads{downloads: []downloader.Download{
		{ID: "a", Status: downloader.StatusCompleted, Percent: 100},
		{ID: "b", Status: downloader.StatusQueued},
	}}
	h := NewDownloadHandler(m, nil)

	_, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/downloads", nil))

	assert.Equal(t, true, body["success"])

	downloads, ok := body["downloads"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, downloads, 2)
	assert.Contains(t, downloads, "a")
	assert.Contains(t, downloads, "b")
}

func TestHandleHistory(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	hist := &mockHistory{records: []storage.DownloadRecord{{
		DownloadID: "loras_style.safetensors_1700000000",
		Folder:     "loras",
		Filename:   "style.safetensors",
		Status:     "completed",
		CreatedAt:  at,
		UpdatedAt:  at,
	}}}

	t.Run("default limit", func(t *testing.T) {
		h := NewDownloadHandler(&mockDownloads{}, hist)

		rec, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/downloads/history", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, defaultHistoryLimit, hist.lastLimit)
		assert.Len(t, body["downloads"], 1)
	})

	t.Run("limit is capped", func(t *testing.T) {
		h := NewDownloadHandler(&mockDownloads{}, hist)

		serve(t, h, httptest.NewRequest(http.MethodGet, "/downloads/history?limit=50000", nil))
		assert.Equal(t, maxHistoryLimit, hist.lastLimit)
	})

	t.Run("bad limit", func(t *testing.T) {
		h := NewDownloadHandler(&mockDownloads{}, hist)

		rec, _ := serve(t, h, httptest.NewRequest(http.MethodGet, "/downloads/history?limit=-1", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("repository error", func(t *testing.T) {
		h := NewDownloadHandler(&mockDownloads{}, &mockHistory{err: errors.New("database is locked")})

		rec, body := serve(t, h, httptest.NewRequest(http.MethodGet, "/downloads/history", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "failed to load history", body["error"])
	})

	t.Run("disabled", func(t *testing.T) {
		h := NewDownloadHandler(&mockDownloads{}, nil)

		rec, _ := serve(t, h, httptest.NewRequest(http.MethodGet, "/downloads/history", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
