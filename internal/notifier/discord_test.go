package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), FinishedMessage("loras", "detail.safetensors")))

	assert.Equal(t, map[string]string{"content": "Model download finished: loras/detail.safetensors"}, got)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	require.Error(t, (&DiscordNotifier{}).Notify(context.Background(), "x"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "x")
	require.EqualError(t, err, "webhook failed with status 429")
}

func TestFailedMessage(t *testing.T) {
	assert.Equal(t, "Model download failed: vae/ae.pt: HTTP error 404: Not Found", FailedMessage("vae", "ae.pt", "HTTP error 404: Not Found"))
}
