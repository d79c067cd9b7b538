package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/storage"
)

const (
	maxRequestBody      = 64 << 10
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Downloads is the part of the download worker the API drives.
type Downloads interface {
	Enqueue(ctx context.Context, req downloader.Request) (downloader.Download, error)
	Get(id string) (downloader.Download, bool)
	Active() []downloader.Download
}

type DownloadHandler struct {
	downloads Downloads
	history   storage.DownloadReadRepository
}

// NewDownloadHandler creates the model download API. history may be nil.
func NewDownloadHandler(downloads Downloads, history storage.DownloadReadRepository) *DownloadHandler {
	return &DownloadHandler{
		downloads: downloads,
		history:   history,
	}
}

// Routes is meant to be mounted under /api.
func (h *DownloadHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/download-model", h.HandleDownloadModel)
	r.Get("/download-progress/{download_id}", h.HandleDownloadProgress)
	r.Get("/downloads", h.HandleListDownloads)
	r.Get("/downloads/history", h.HandleHistory)

	return r
}

type downloadResponse struct {
	Success    bool   `json:"success"`
	DownloadID string `json:"download_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleDownloadModel queues a download and answers before any byte is fetched.
// Rejections are reported with success=false and a 200 status.
func (h *DownloadHandler) HandleDownloadModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	req, err := parseDownloadRequest(r)
	if err != nil {
		logger.WarnContext(ctx, "failed to parse download request", "err", err)
	}

	dl, err := h.downloads.Enqueue(ctx, req)
	if err != nil {
		logger.WarnContext(ctx, "download request rejected",
			"url", logctx.SafeURL(req.URL), "folder", req.Folder, "filename", req.Filename, "err", err)

		status := http.StatusOK
		if errors.Is(err, downloader.ErrClosed) {
			status = http.StatusServiceUnavailable
		}

		writeJSON(ctx, w, status, downloadResponse{Success: false, Error: rejectionMessage(err)})

		return
	}

	writeJSON(ctx, w, http.StatusOK, downloadResponse{
		Success:    true,
		DownloadID: dl.ID,
		Status:     string(downloader.StatusQueued),
		Message:    "Download has been queued and will start automatically",
	})
}

func rejectionMessage(err error) string {
	if errors.Is(err, downloader.ErrMissingParameters) {
		return "Missing required parameters"
	}

	return err.Error()
}

type progressResponse struct {
	Success  bool                 `json:"success"`
	Download *downloader.Progress `json:"download,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func (h *DownloadHandler) HandleDownloadProgress(w http.ResponseWriter, r *http.Request) {
	dl, ok := h.downloads.Get(chi.URLParam(r, "download_id"))
	if !ok {
		writeJSON(r.Context(), w, http.StatusOK, progressResponse{Success: false, Error: "Download not found"})

		return
	}

	p := dl.Progress()
	writeJSON(r.Context(), w, http.StatusOK, progressResponse{Success: true, Download: &p})
}

type listResponse struct {
	Success   bool                           `json:"success"`
	Downloads map[string]downloader.Progress `json:"downloads"`
}

func (h *DownloadHandler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	active := h.downloads.Active()

	out := make(map[string]downloader.Progress, len(active))
	for _, dl := range active {
		out[dl.ID] = dl.Progress()
	}

	writeJSON(r.Context(), w, http.StatusOK, listResponse{Success: true, Downloads: out})
}

type historyResponse struct {
	Success   bool                     `json:"success"`
	Downloads []storage.DownloadRecord `json:"downloads,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func (h *DownloadHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.history == nil {
		writeJSON(ctx, w, http.StatusNotFound, historyResponse{Success: false, Error: "history is disabled"})

		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(ctx, w, http.StatusBadRequest, historyResponse{Success: false, Error: "limit must be a positive integer"})

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.GetDownloads(ctx, limit)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to load download history", "err", err)
		writeJSON(ctx, w, http.StatusInternalServerError, historyResponse{Success: false, Error: "failed to load history"})

		return
	}

	writeJSON(ctx, w, http.StatusOK, historyResponse{Success: true, Downloads: records})
}

// parseDownloadRequest accepts JSON, a url-encoded form, or anything else carrying the
// parameters in the query string, a JSON body or a k=v&... body, tried in that order.
func parseDownloadRequest(r *http.Request) (downloader.Request, error) {
	var req downloader.Request

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req)

		return req, err
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			return req, err
		}

		return fromValues(r.PostForm), nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return req, err
	}

	if q := r.URL.Query(); len(q) > 0 {
		return fromValues(q), nil
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return req, nil
	}

	if err := json.Unmarshal([]byte(text), &req); err == nil {
		return req, nil
	}

	return fromValues(splitPairs(text)), nil
}

func fromValues(v url.Values) downloader.Request {
	return downloader.Request{
		URL:      v.Get("url"),
		Folder:   v.Get("folder"),
		Filename: v.Get("filename"),
	}
}

// splitPairs reads k=v&k=v without unescaping, so raw URLs survive as given.
func splitPairs(text string) url.Values {
	v := url.Values{}

	for _, pair := range strings.Split(text, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if ok {
			v.Set(key, value)
		}
	}

	return v
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
