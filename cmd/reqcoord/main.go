package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"reqcoord/internal/config"
	"reqcoord/internal/server"
)

const (
	startTimeout    = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (.json, .yaml or .yml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fatal.Fatal().Err(err).Str("config", *configPath).Msg("failed to load config")
	}

	logger := newLogger(cfg.LogLevel, cfg.Coordinator.DebugMode)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("reqcoord exited")
	}
}

// run serves until SIGINT or SIGTERM, then drains the coordinator
func run(cfg *config.Config, logger zerolog.Logger) error {
	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), startTimeout)
	err = srv.Start(startCtx)
	cancelStart()
	if err != nil {
		return err
	}
	logger.Info().
		Str("addr", cfg.Addr()).
		Str("transport", string(cfg.Transport.Kind)).
		Int("batchKeys", len(cfg.Batches)).
		Msg("reqcoord listening")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()
	logger.Info().Msg("shutting down, flushing pending requests")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(ctx)
}

func newLogger(level string, debugMode bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debugMode {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}
