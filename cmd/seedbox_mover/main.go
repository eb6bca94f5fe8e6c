package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"

	"github.com/italolelis/seedbox_mover/internal/config"
	"github.com/italolelis/seedbox_mover/internal/dc/deluge"
	"github.com/italolelis/seedbox_mover/internal/dc/putio"
	"github.com/italolelis/seedbox_mover/internal/dc/qbittorrent"
	"github.com/italolelis/seedbox_mover/internal/engine"
	"github.com/italolelis/seedbox_mover/internal/http/rest"
	"github.com/italolelis/seedbox_mover/internal/logctx"
	"github.com/italolelis/seedbox_mover/internal/mover"
	"github.com/italolelis/seedbox_mover/internal/notifier"
	"github.com/italolelis/seedbox_mover/internal/poller"
	"github.com/italolelis/seedbox_mover/internal/ratelimit"
	"github.com/italolelis/seedbox_mover/internal/storage"
	"github.com/italolelis/seedbox_mover/internal/storage/sqlite"
	"github.com/italolelis/seedbox_mover/internal/telemetry"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

// version is set at build time.
var version = "dev"

const clientTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closer, err := logctx.NewLogger(logctx.Options{
		Level:      cfg.SlogLevel(),
		File:       cfg.File.LogFile,
		MaxSize:    cfg.File.MaxLogFileSize,
		MaxBackups: cfg.File.MaxLogBackups,
	})
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}
	defer closer.Close()

	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("seedbox mover starting...", "version", version, "log_level", cfg.LogLevel, "servers", len(cfg.File.Servers))

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		closer.Close()
		os.Exit(1)
	}

	logger.Info("seedbox mover stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Single instance
	lock := flock.New(cfg.DBPath + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("another instance is already using %s", cfg.DBPath)
	}
	defer lock.Unlock()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	repo := sqlite.NewInstrumentedMoveRepository(database, tel)

	// =========================================================================
	// Start Pollers
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, nil)
	}

	runners := make([]engine.Runner, 0, len(cfg.File.Servers))
	names := make([]string, 0, len(cfg.File.Servers))

	for _, server := range cfg.File.Servers {
		p, err := buildPoller(server, repo, tel, notif)
		if err != nil {
			return fmt.Errorf("failed to setup server %s: %w", server.Name, err)
		}

		runners = append(runners, p)
		names = append(names, server.Name)

		logger.Info("server configured",
			"server", server.Name,
			"type", server.Type,
			"categories", len(server.Categories),
			"poll_interval", server.Interval().String(),
			"rate_limit_delay", server.RateLimit().String(),
			"remove_after_move", server.RemoveAfterMove,
		)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, repo, names, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Engine
	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()

	engineDone := make(chan error, 1)

	go func() {
		engineDone <- engine.New(runners...).Run(engineCtx)
	}()

	var runErr error

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-engineDone:
		engineDone <- err
		runErr = err
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Pollers finish the move they are running before they return.
	cancelEngine()

	if err := <-engineDone; err != nil && runErr == nil {
		runErr = err
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return errors.Join(runErr, fmt.Errorf("could not stop server gracefully: %w", err))
		}
	}

	return runErr
}

func buildPoller(server config.Server, repo storage.MoveRepository, tel *telemetry.Telemetry, notif notifier.Notifier) (*poller.Poller, error) {
	limiter := ratelimit.New(server.RateLimit(), ratelimit.WithObserver(func(wait time.Duration) {
		tel.RecordLimiterWait(context.Background(), server.Name, wait)
	}))

	client, err := buildTorrentClient(server, newHTTPClient(server, tel), limiter)
	if err != nil {
		return nil, err
	}

	gated := transfer.NewGatedTorrentClient(
		transfer.NewInstrumentedTorrentClient(client, tel, server.Type),
		limiter,
	)

	opts := []poller.Option{poller.WithTelemetry(tel)}
	if notif != nil {
		opts = append(opts, poller.WithNotifier(notif))
	}

	return poller.New(
		server,
		gated,
		storage.NewLedger(repo, server.Name),
		limiter,
		mover.New(),
		opts...,
	), nil
}

// This is an abstract factory for the torrent client.
func buildTorrentClient(server config.Server, httpClient *http.Client, gate transfer.Gate) (transfer.TorrentClient, error) {
	switch server.Type {
	case config.ClientQBittorrent:
		return qbittorrent.NewClient(server.URL, server.Username, server.Password, httpClient), nil
	case config.ClientDeluge:
		return deluge.NewClient(server.URL, server.APIPath, server.Username, server.Password, httpClient), nil
	case config.ClientPutio:
		return putio.NewClient(server.Token, httpClient, putio.WithGate(gate)), nil
	}

	return nil, fmt.Errorf("invalid torrent client: %s", server.Type)
}

func newHTTPClient(server config.Server, tel *telemetry.Telemetry) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if server.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &http.Client{
		Timeout:   clientTimeout,
		Transport: tel.HTTPTransport(transport),
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, repo storage.MoveReadRepository, servers []string, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewMovesHandler(repo, servers).Routes())

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
