package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	var nilTel *Telemetry

	for _, tt := range []*Telemetry{tel, nilTel} {
		assert.NotPanics(t, func() {
			tt.RecordHTTPRequest(http.MethodGet, "/api/downloads", "2xx", time.Millisecond)
			tt.RecordDownload("checkpoints", "success", time.Second)
			tt.AddDownloadedBytes("checkpoints", 1024)
			tt.IncrementActiveDownloads()
			tt.DecrementActiveDownloads()
			tt.PushClientConnected(1)
			tt.RecordPushMessage("sent")
			tt.RecordSystemError("downloader", "io")
			require.NoError(t, tt.Shutdown(context.Background()))
		})

		called := false
		err := tt.InstrumentDownload(context.Background(), "vae", func(context.Context) error {
			called = true

			return errors.New("boom")
		})
		require.EqualError(t, err, "boom")
		assert.True(t, called)

		rec := httptest.NewRecorder()
		tt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestGetStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{code: http.StatusSwitchingProtocols, want: "1xx"},
		{code: http.StatusOK, want: "2xx"},
		{code: http.StatusFound, want: "3xx"},
		{code: http.StatusNotFound, want: "4xx"},
		{code: http.StatusServiceUnavailable, want: "5xx"},
		{code: 0, want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, getStatusClass(tt.code))
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-id")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-id", seen)
		assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
	})

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrapResponseWriter(rec)

	n, err := rw.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 5, n)
	assert.Equal(t, http.StatusOK, rw.status)
	assert.Equal(t, int64(5), rw.bytesWritten)
	assert.Same(t, http.ResponseWriter(rec), rw.Unwrap())
}

func TestGenerateInstanceID(t *testing.T) {
	a := GenerateInstanceID()
	b := GenerateInstanceID()

	assert.NotEqual(t, a, b)
	assert.Equal(t, 3, len(strings.SplitN(a, "-", 3)))
}
