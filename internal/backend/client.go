// Package backend talks to the model download server on behalf of the tracker.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/tracker"
	"github.com/italolelis/model_downloader/internal/trust"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	initiatePath = "/api/download-model"

	defaultTimeout  = 30 * time.Second
	maxResponseBody = 4 << 10
)

// Tracker is the part of the reconciler the client drives.
type Tracker interface {
	Begin(url, folder, filename string, h tracker.Handle) string
	Attach(ctx context.Context, clientID, serverID string)
	Fail(ctx context.Context, clientID string, cause error)
}

// Client starts downloads on the backend. Initiation is fire-and-forget: a returned id
// only means the server accepted the request.
type Client struct {
	baseURL    string
	tracker    Tracker
	filter     *trust.Filter
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTrustFilter rejects URLs outside the allow-list before any request is made.
func WithTrustFilter(f *trust.Filter) Option {
	return func(c *Client) { c.filter = f }
}

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, t Tracker, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tracker: t,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type initiateRequest struct {
	URL      string `json:"url"`
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
}

type initiateResponse struct {
	Success    bool   `json:"success"`
	DownloadID string `json:"download_id"`
	Error      string `json:"error"`
}

// Initiate registers the download with the tracker, which renders the handle as
// downloading, then asks the server to start it. On any failure the error is also
// rendered on the handle.
func (c *Client) Initiate(ctx context.Context, url, folder, filename string, h tracker.Handle) (string, error) {
	clientID := c.tracker.Begin(url, folder, filename, h)
	logger := logctx.LoggerFromContext(ctx).With("client_id", clientID, "folder", folder, "filename", filename)

	serverID, err := c.initiate(ctx, url, folder, filename)
	if err != nil {
		logger.Error("failed to initiate download", "err", err)
		c.tracker.Fail(ctx, clientID, err)

		return "", err
	}

	logger.Info("download initiated", "download_id", serverID)
	c.tracker.Attach(ctx, clientID, serverID)

	return serverID, nil
}

func (c *Client) initiate(ctx context.Context, url, folder, filename string) (string, error) {
	if c.filter != nil {
		if err := c.filter.Check(url); err != nil {
			return "", err
		}
	}

	body, err := json.Marshal(initiateRequest{URL: url, Folder: folder, Filename: filename})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+initiatePath, bytes.NewReader(body))
	if err != nil {
		return "", &BackendRequestError{Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &BackendRequestError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", &BackendRequestError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &BackendRequestError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			Err:        errors.New(resp.Status),
		}
	}

	var out initiateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &BackendRequestError{StatusCode: resp.StatusCode, Body: string(raw), Err: err}
	}

	switch {
	case out.DownloadID != "":
		return out.DownloadID, nil
	case out.Error != "":
		return "", &BackendLogicError{Message: out.Error}
	default:
		return "", &BackendLogicError{Message: "backend accepted the request without a download id"}
	}
}
