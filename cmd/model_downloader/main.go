package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/config"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/folders"
	"github.com/italolelis/model_downloader/internal/http/rest"
	"github.com/italolelis/model_downloader/internal/hub"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/notifier"
	"github.com/italolelis/model_downloader/internal/storage/sqlite"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/trust"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("model downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        true,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
		DiskPath:       cfg.ModelsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Load Model Folders
	modelFolders := folders.New(cfg.ModelsDir)

	if cfg.FoldersFile != "" {
		if err := modelFolders.LoadFile(cfg.FoldersFile); err != nil {
			return fmt.Errorf("failed to load folders file: %w", err)
		}
	}

	// =========================================================================
	// Start Downloader
	bandwidth, err := cfg.BandwidthBytes()
	if err != nil {
		return err
	}

	var filter *trust.Filter
	if cfg.EnforceTrust {
		filter = trust.NewFilter(cfg.TrustedDomains...)
	}

	pushHub := hub.New(tel)
	defer pushHub.Close()

	dl := downloader.NewDownloader(ctx, modelFolders, downloader.Options{
		MaxParallel:      cfg.MaxParallel,
		KeepFinishedFor:  cfg.KeepFinishedFor,
		ProgressInterval: cfg.ProgressInterval,
		HeadTimeout:      cfg.HeadTimeout,
		BandwidthLimit:   bandwidth,
		Filter:           filter,
		History:          history,
		Broadcaster:      pushHub,
		Telemetry:        tel,
	})

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		notifyDownloads(gctx, dl, cfg)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		cleanup.Run(gctx, cfg.CleanupInterval, history, cfg.HistoryRetention, func() []string {
			return partialDirs(modelFolders)
		})

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, cfg, dl, history, pushHub, tel)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"models_dir", cfg.ModelsDir,
		"folders", len(modelFolders.Names()),
		"max_parallel", cfg.MaxParallel,
		"enforce_trust", cfg.EnforceTrust,
	)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(sctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// closes the event channels, which ends notifyDownloads
		dl.Close()

		return nil
	})

	return g.Wait()
}

// notifyDownloads relays finished and failed downloads to Discord until both event
// channels are closed.
func notifyDownloads(ctx context.Context, dl *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	send := func(content string) {
		if notif == nil {
			return
		}

		// the download already ended; shutdown must not drop its notification
		if err := notif.Notify(context.WithoutCancel(ctx), content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	finished, failed := dl.OnDownloadFinished, dl.OnDownloadFailed

	for finished != nil || failed != nil {
		select {
		case event, ok := <-finished:
			if !ok {
				finished = nil

				continue
			}

			logger.Info("model download finished", "download_id", event.ID, "path", event.Path)
			send(notifier.FinishedMessage(event.Folder, event.Filename))
		case event, ok := <-failed:
			if !ok {
				failed = nil

				continue
			}

			logger.Error("model download failed", "download_id", event.ID, "err", event.Error)
			send(notifier.FailedMessage(event.Folder, event.Filename, event.Error))
		}
	}
}

func partialDirs(f *folders.Folders) []string {
	var dirs []string

	for _, name := range f.Names() {
		dirs = append(dirs, f.Paths(name)...)
	}

	return dirs
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	dl *downloader.Downloader,
	history *sqlite.InstrumentedDownloadRepository,
	pushHub *hub.Hub,
	tel *telemetry.Telemetry,
) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/api", rest.NewDownloadHandler(dl, history).Routes())
	r.Handle("/ws", pushHub)
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
