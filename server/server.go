package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/edgepulse/edgepulse/pkg/commands"
	"github.com/edgepulse/edgepulse/pkg/config"
	"github.com/edgepulse/edgepulse/pkg/credentials"
	"github.com/edgepulse/edgepulse/pkg/fleet"
	"github.com/edgepulse/edgepulse/pkg/shell"
	"github.com/edgepulse/edgepulse/pkg/whitelist"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Server holds the state every handler shares. Each store guards itself.
type Server struct {
	cfg       *config.ServerConfig
	creds     *credentials.Store
	commands  *commands.Service
	fleet     *fleet.Registry
	relay     *shell.Relay
	whitelist *whitelist.Whitelist
	limiter   *RateLimiter
	metrics   *serverMetrics
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

func newServer(db *gorm.DB, cfg *config.ServerConfig, logger zerolog.Logger, registry *prometheus.Registry) (*Server, error) {
	creds, err := credentials.New(db)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	wl, err := whitelist.Load(cfg.Whitelist.Path)
	if err != nil {
		return nil, fmt.Errorf("load whitelist: %w", err)
	}
	cmds, err := commands.NewService(db, wl, auth.NewSigner(creds))
	if err != nil {
		return nil, err
	}
	registryStore, err := fleet.NewRegistry(db)
	if err != nil {
		return nil, err
	}

	metrics := newServerMetrics(registry)
	relay := shell.NewRelay(shell.Config{
		MaxSessionsPerDevice: cfg.Shell.MaxSessionsPerDevice,
		IdleTimeout:          cfg.Shell.IdleTimeout(),
		ReapInterval:         cfg.Shell.ReapInterval(),
		Hooks:                metrics.relayHooks(),
	}, logger)

	return &Server{
		cfg:       cfg,
		creds:     creds,
		commands:  cmds,
		fleet:     registryStore,
		relay:     relay,
		whitelist: wl,
		limiter:   NewRateLimiter(),
		metrics:   metrics,
		gatherer:  registry,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger, s.metrics))

	r.GET("/health", s.handleHealth)
	if s.cfg.Metrics.Enable {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.registerAdminRoutes(r)
	s.registerCommandRoutes(r)
	s.registerFleetRoutes(r)
	s.registerShellRoutes(r)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
