package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/edgepulse/edgepulse/pkg/config"
	"github.com/edgepulse/edgepulse/pkg/health"
	"github.com/edgepulse/edgepulse/pkg/store"
	"github.com/edgepulse/edgepulse/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "/etc/edgepulse/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "EdgePulse server URL (overrides config)")
	clientID   = flag.String("client-id", "", "Client ID (overrides config)")
	interval   = flag.Duration("interval", 0, "Poll interval (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("EdgePulse agent starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *clientID != "" {
		cfg.Client.ID = *clientID
	}
	if *interval > 0 {
		cfg.Polling.Interval = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Agent stopped")
	}
	log.Info().Msg("Agent stopped")
}

func run(ctx context.Context, cfg *config.AgentConfig) error {
	secret, err := cfg.SecretKey()
	if err != nil {
		return err
	}

	tp, err := telemetry.SetupTracing(ctx, telemetry.OptionsFromConfig("edgepulse-agent", Version, cfg.Tracing, log.Logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	httpClient := &http.Client{Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second}
	if status := health.Check(ctx, httpClient, cfg.Server.URL, cfg.Health.TimeDriftMaxS); !status.Healthy {
		log.Warn().Interface("issues", status.Issues).Msg("Health check reported issues")
	}

	agent := &Agent{
		clientID: cfg.Client.ID,
		secret:   secret,
		api: &apiClient{
			baseURL:  cfg.Server.URL,
			clientID: cfg.Client.ID,
			secret:   secret,
			http:     httpClient,
			retry:    newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries),
		},
		verifier: auth.NewVerifier(openNonceStore(cfg), cfg.Security.Tolerance()),
		exec: newExecutor(cfg.Execution.Shell,
			time.Duration(cfg.Execution.DefaultTimeout)*time.Second, cfg.Execution.MaxOutputBytes),
		pollInterval:      time.Duration(cfg.Polling.Interval) * time.Second,
		jitter:            time.Duration(cfg.Polling.Jitter) * time.Second,
		heartbeatInterval: time.Duration(cfg.Polling.HeartbeatInterval) * time.Second,
	}
	log.Info().
		Str("client_id", cfg.Client.ID).
		Str("server", cfg.Server.URL).
		Int("interval_s", cfg.Polling.Interval).
		Bool("shell", cfg.Shell.Enable).
		Msg("Configuration loaded")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.pollLoop(gctx) })
	g.Go(func() error { return agent.heartbeatLoop(gctx) })
	if cfg.Shell.Enable {
		sc, err := newShellClient(cfg.Server.URL, cfg.Client.ID, secret,
			ptyTerminalFactory(cfg.Shell.Program), time.Duration(cfg.Shell.ReconnectDelay)*time.Second)
		if err != nil {
			return err
		}
		g.Go(func() error { return sc.run(gctx) })
	}
	return g.Wait()
}

// openNonceStore persists used nonces so a restart does not reopen the replay
// window. If the database cannot be opened the agent keeps them in memory.
func openNonceStore(cfg *config.AgentConfig) auth.NonceStore {
	retention := cfg.Security.Retention()
	path := cfg.NonceDatabase()
	nonces, err := openDurableNonceStore(path, retention)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Nonce database unavailable, using memory")
		return auth.NewMemoryNonceStore(retention)
	}
	return nonces
}

func openDurableNonceStore(path string, retention time.Duration) (*store.NonceStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create nonce directory: %w", err)
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return store.NewNonceStore(db, retention)
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("EDGEPULSE_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("EDGEPULSE_AGENT_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}

	format := "console"
	if cfg.JSON || !cfg.HumanReadable {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
