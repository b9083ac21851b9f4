package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/edgepulse/edgepulse/pkg/config"
	"github.com/edgepulse/edgepulse/pkg/store"
	"github.com/edgepulse/edgepulse/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var (
	configPath    = flag.String("config", "", "Server config file")
	listenFlag    = flag.String("listen", "", "Listen address (overrides config)")
	dbFlag        = flag.String("db", "", "Database path (overrides config)")
	whitelistFlag = flag.String("whitelist", "", "Whitelist YAML file (overrides config)")
	Version       = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *dbFlag != "" {
		cfg.Storage.Database = *dbFlag
	}
	if *whitelistFlag != "" {
		cfg.Whitelist.Path = *whitelistFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newServerLogger(cfg.Logging)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger zerolog.Logger) error {
	logger.Info().Str("version", Version).Msg("EdgePulse server starting")

	tp, err := telemetry.SetupTracing(ctx, telemetry.OptionsFromConfig("edgepulse-server", Version, cfg.Tracing, logger))
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := newServer(db, cfg, logger, registry)
	if err != nil {
		return err
	}
	logger.Info().
		Str("database", cfg.DatabasePath()).
		Int("whitelisted_commands", len(srv.whitelist.List())).
		Msg("stores ready")

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go srv.relay.Run(relayCtx)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	if n := srv.relay.CloseAll(); n > 0 {
		logger.Info().Int("sessions", n).Msg("closed shell sessions")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newServerLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.JSON || !cfg.HumanReadable {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}
