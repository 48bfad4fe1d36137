package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tligentia/PacientIA/config"
	"github.com/tligentia/PacientIA/gemini"
	"github.com/tligentia/PacientIA/observe"
	"github.com/tligentia/PacientIA/server"
	"github.com/tligentia/PacientIA/session"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observe.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "pacientia",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics provider shutdown failed", "error", err)
		}
	}()

	proxy, err := gemini.NewProxy(ctx, gemini.Config{
		APIKey:            cfg.GeminiAPIKey,
		Model:             cfg.GeminiModel,
		Voice:             cfg.GeminiVoice,
		SystemInstruction: cfg.SystemInstruction,
	}, logger)
	if err != nil {
		return err
	}

	sessionManager, err := session.NewManager(cfg, proxy, provider.Metrics, logger)
	if err != nil {
		return err
	}

	srv := server.NewServerWebsocket(cfg, sessionManager, provider.Metrics, provider.Handler(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sessionManager.StartCleanupRoutine(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
