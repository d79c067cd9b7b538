package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/model_downloader/internal/backend"
	"github.com/italolelis/model_downloader/internal/config"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/push"
	"github.com/italolelis/model_downloader/internal/tracker"
	"github.com/italolelis/model_downloader/internal/trust"
	"github.com/italolelis/model_downloader/internal/ui"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentInitiations = 4

var errDownloadsFailed = errors.New("some downloads failed")

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("modeldl", flag.ExitOnError)
	server := fs.String("server", cfg.ServerURL, "model downloader server URL")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: modeldl [flags] <folder>=<url>[#<filename>] ...")
		fs.PrintDefaults()
	}

	_ = fs.Parse(os.Args[1:])

	entries := make([]entry, 0, fs.NArg())

	for _, arg := range fs.Args() {
		e, err := parseEntry(arg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		entries = append(entries, e)
	}

	if len(entries) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg.ServerURL = *server

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(logctx.WithLogger(ctx, logger), cfg, entries); err != nil {
		logger.Error("modeldl finished with errors", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, entries []entry) error {
	logger := logctx.LoggerFromContext(ctx)

	// the gate fires at most once per generation, and every entry may start one
	done := make(chan tracker.AllDownloadsComplete, len(entries))
	sink := tracker.SinkFunc(func(e tracker.Event) {
		logEvent(ctx, e)

		if ev, ok := e.(tracker.AllDownloadsComplete); ok {
			select {
			case done <- ev:
			default:
			}
		}
	})

	reconciler := tracker.NewReconciler(tracker.NewRegistry(), sink)

	sub, err := push.NewSubscriber(cfg.ServerURL, reconciler, push.WithReconnectDelay(cfg.ReconnectDelay))
	if err != nil {
		return fmt.Errorf("failed to create push subscriber: %w", err)
	}

	subCtx, stopSub := context.WithCancel(ctx)
	defer stopSub()

	go func() {
		if err := sub.Run(subCtx); err != nil {
			logger.Error("push subscriber stopped", "err", err)
		}
	}()

	// progress sent before the subscription exists would be lost
	select {
	case <-sub.Connected():
	case <-time.After(cfg.RequestTimeout):
		logger.Warn("push channel not connected yet, starting downloads anyway", "server", cfg.ServerURL)
	case <-ctx.Done():
		return ctx.Err()
	}

	var opts []backend.Option
	if cfg.EnforceTrust {
		opts = append(opts, backend.WithTrustFilter(trust.NewFilter(cfg.TrustedDomains...)))
	}

	opts = append(opts, backend.WithHTTPClient(&http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))

	client := backend.NewClient(cfg.ServerURL, reconciler, opts...)

	var g errgroup.Group
	g.SetLimit(maxConcurrentInitiations)

	for _, e := range entries {
		btn := ui.NewButton("Download", func(b *ui.Button, c ui.Change) {
			logger.Info("download control changed",
				"folder", e.Folder, "filename", e.Filename, "field", c.Field, "value", c.Value)
		})

		g.Go(func() error {
			// failures are rendered on the control and counted by the gate
			_, _ = client.Initiate(ctx, e.URL, e.Folder, e.Filename, btn)

			return nil
		})
	}

	_ = g.Wait()

	for {
		select {
		case summary := <-done:
			// an early failure can complete a generation before later entries begin
			if summary.Completed+summary.Failed < len(entries) {
				continue
			}

			logger.Info("all downloads finished", "completed", summary.Completed, "failed", summary.Failed)

			if summary.Failed > 0 {
				summarize(ctx, reconciler.Registry().Records())

				return fmt.Errorf("%w: %d of %d", errDownloadsFailed, summary.Failed, summary.Completed+summary.Failed)
			}

			return nil
		case <-ctx.Done():
			logger.Info("interrupted, leaving downloads running on the server")

			return nil
		}
	}
}

func logEvent(ctx context.Context, e tracker.Event) {
	logger := logctx.LoggerFromContext(ctx)

	switch ev := e.(type) {
	case tracker.DownloadStarted:
		logger.Info("download started", "client_id", ev.ClientID, "folder", ev.Folder, "filename", ev.Filename)
	case tracker.DownloadProgress:
		logger.Debug("download progress",
			"download_id", ev.Record.ServerID,
			"label", tracker.ProgressLabel(ev.Record.Percent, ev.Record.Speed, ev.Record.ETASeconds),
			"total", humanize.IBytes(uint64(max(ev.Record.TotalBytes, 0))))
	case tracker.DownloadCompleted:
		logger.Info("download completed", "download_id", ev.Record.ServerID, "filename", ev.Record.Filename)
	case tracker.DownloadFailed:
		logger.Error("download failed", "download_id", ev.Record.ServerID, "filename", ev.Record.Filename, "err", ev.Message)
	}
}
