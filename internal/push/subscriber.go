package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/tracker"
)

// Applier consumes decoded notifications. *tracker.Reconciler satisfies it.
type Applier interface {
	Apply(ctx context.Context, n tracker.Notification) error
}

// Subscriber reads the backend websocket channel and applies every progress message in
// arrival order. It reconnects until its context is cancelled.
type Subscriber struct {
	url            string
	applier        Applier
	dialer         *websocket.Dialer
	header         http.Header
	reconnectDelay time.Duration
	connected      chan struct{}
	connectedOnce  sync.Once
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Subscriber) { s.reconnectDelay = d }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Subscriber) { s.dialer = d }
}

// WithHeader adds headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(s *Subscriber) { s.header = h }
}

// NewSubscriber creates a subscriber for the backend at baseURL. Both http(s) and ws(s)
// URLs are accepted; the /ws path is appended when missing.
func NewSubscriber(baseURL string, applier Applier, opts ...Option) (*Subscriber, error) {
	wsURL, err := WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		url:            wsURL,
		applier:        applier,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 2 * time.Second,
		connected:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// WebsocketURL derives the push channel URL from the backend base URL.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid backend url %q: unsupported scheme", baseURL)
	}

	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}

	return u.String(), nil
}

// Connected is closed after the first successful handshake.
func (s *Subscriber) Connected() <-chan struct{} {
	return s.connected
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("ws_url", s.url)

	for {
		err := s.session(ctx, func() {
			s.connectedOnce.Do(func() { close(s.connected) })
		})

		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("push channel disconnected", "err", err, "retry_in", s.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Subscriber) session(ctx context.Context, onConnect func()) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return fmt.Errorf("failed to dial push channel: %w", err)
	}
	defer conn.Close()

	onConnect()
	logctx.LoggerFromContext(ctx).Debug("push channel connected", "ws_url", s.url)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if kind != websocket.TextMessage {
			continue
		}

		s.Handle(ctx, msg)
	}
}

// Handle decodes and applies a single message. Errors are logged and never returned:
// one bad message must not stop the stream.
func (s *Subscriber) Handle(ctx context.Context, msg []byte) {
	logger := logctx.LoggerFromContext(ctx)

	n, err := Decode(msg)
	if err != nil {
		if !errors.Is(err, ErrIgnored) {
			logger.Warn("dropping push message", "err", err)
		}

		return
	}

	ctx = logctx.WithDownloadID(ctx, n.DownloadID)

	if err := s.applier.Apply(ctx, n); err != nil {
		var warn *tracker.UnresolvedNotificationWarning
		if errors.As(err, &warn) {
			logger.DebugContext(ctx, "notification did not match a download", "status", warn.Status, "cached", warn.Cached)

			return
		}

		logger.WarnContext(ctx, "failed to apply notification", "err", err)
	}
}
