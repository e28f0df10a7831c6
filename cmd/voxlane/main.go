package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/voxlane/voxlane/pkg/core/providers/openai"
	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	gatewayserver "github.com/voxlane/voxlane/pkg/gateway/server"
	"github.com/voxlane/voxlane/pkg/sessions"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	newProvider  func(cfg config.Config) types.Streamer
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		newProvider: func(cfg config.Config) types.Streamer {
			return openai.New(cfg.ModelAPIKey, openai.WithBaseURL(cfg.ModelBaseURL))
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, stderr io.Writer, deps appDeps) error {
	if deps.loadConfig == nil || deps.newProvider == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(stderr, cfg.LogLevel)
	m := metrics.New("voxlane")
	registry := sessions.NewRegistry(m)

	provider := deps.newProvider(cfg)
	transcriber, _ := provider.(types.Transcriber)

	srv := gatewayserver.New(gatewayserver.Deps{
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
		Registry:    registry,
		Provider:    provider,
		Transcriber: transcriber,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := sessions.NewSweeper(registry, sessions.SweeperConfig{
		Interval:    cfg.SweepInterval,
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      logger,
		Metrics:     m,
	})
	go sweeper.Run(sweepCtx)

	logger.Info("starting voxlane", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "model", cfg.ModelName)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Stop accepting new connections, then tear down live sessions so
	// their loops unwind before the grace period expires.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()

	for _, sess := range registry.Snapshot() {
		sess.Shutdown()
	}
	stopSweeper()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voxlane stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps appDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "voxlane: load .env: %v\n", err)
		return 1
	}

	if err := run(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "voxlane: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAppDeps()))
}
