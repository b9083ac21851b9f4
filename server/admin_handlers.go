package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgepulse/edgepulse/pkg/credentials"
	"github.com/gin-gonic/gin"
)

const defaultAdminName = "admin"

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	r.POST("/api/admin/init", s.handleAdminInit)

	admin := r.Group("/api", s.requireAdmin)
	admin.POST("/admin/keys", s.handleCreateAdmin)
	admin.DELETE("/admin/keys", s.handleRevokeAdmin)

	admin.GET("/clients", s.handleListClients)
	admin.POST("/clients", s.handleRegisterClient)
	admin.GET("/clients/status", s.handleClientStatus)
	admin.DELETE("/clients/:client_id", s.handleRevokeClient)
	admin.GET("/clients/:client_id/diagnostics", s.handleDiagnostics)
}

type adminRequest struct {
	Name string `json:"name"`
}

// bindOptional decodes an optional JSON body. An empty body leaves dst untouched.
func bindOptional(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleAdminInit(c *gin.Context) {
	if !s.limiter.Allow("admin_init:"+c.ClientIP(), s.cfg.RateLimit.AdminInitPerMinute, time.Minute) {
		respondError(c, http.StatusTooManyRequests, "too many admin init attempts", s.logger)
		return
	}
	req := adminRequest{Name: defaultAdminName}
	if err := bindOptional(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = defaultAdminName
	}

	key, err := s.creds.InitAdmin(c.Request.Context(), req.Name)
	switch {
	case errors.Is(err, credentials.ErrAlreadyInitialized):
		respondError(c, http.StatusForbidden, "Admin already initialized", s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to initialize admin", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().Str("admin", req.Name).Msg("admin initialized")
	c.JSON(http.StatusCreated, gin.H{
		"api_key": key,
		"name":    req.Name,
		"message": "Save this API key; it is not shown again",
	})
}

func (s *Server) handleCreateAdmin(c *gin.Context) {
	var req adminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	key, err := s.creds.CreateAdmin(c.Request.Context(), req.Name)
	switch {
	case errors.Is(err, credentials.ErrInvalidName):
		respondError(c, http.StatusBadRequest, "Missing required field: name", s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to create admin", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().Str("new_admin", req.Name).Msg("admin key created")
	c.JSON(http.StatusCreated, gin.H{"api_key": key, "name": strings.TrimSpace(req.Name)})
}

func (s *Server) handleRevokeAdmin(c *gin.Context) {
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" {
		respondError(c, http.StatusBadRequest, "Missing required field: api_key", s.logger)
		return
	}
	revoked, err := s.creds.RevokeAdmin(c.Request.Context(), req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to revoke admin key", s.logger)
		return
	}
	if !revoked {
		respondError(c, http.StatusNotFound, "API key not found", s.logger)
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Info().Msg("admin key revoked")
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (s *Server) handleListClients(c *gin.Context) {
	clients, err := s.creds.ListClients(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list clients", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

func (s *Server) handleRegisterClient(c *gin.Context) {
	var req struct {
		ClientID string `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		respondError(c, http.StatusBadRequest, "Missing required field: client_id", s.logger)
		return
	}

	secret, err := s.creds.RegisterClient(c.Request.Context(), req.ClientID)
	switch {
	case errors.Is(err, credentials.ErrInvalidClientID):
		respondError(c, http.StatusBadRequest, "Invalid client_id", s.logger)
		return
	case errors.Is(err, credentials.ErrAlreadyRegistered):
		respondError(c, http.StatusConflict, "Client '"+req.ClientID+"' already registered", s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to register client", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().Str("client_id", req.ClientID).Msg("client registered")
	c.JSON(http.StatusCreated, gin.H{"client_id": req.ClientID, "secret_key": secret})
}

func (s *Server) handleRevokeClient(c *gin.Context) {
	clientID := c.Param("client_id")
	revoked, err := s.creds.RevokeClient(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to revoke client", s.logger)
		return
	}
	if !revoked {
		respondError(c, http.StatusNotFound, "Client '"+clientID+"' not found", s.logger)
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Info().Str("client_id", clientID).Msg("client revoked")
	c.JSON(http.StatusOK, gin.H{"client_id": clientID, "revoked": true})
}

func (s *Server) handleClientStatus(c *gin.Context) {
	window := s.cfg.Heartbeat.OnlineWindow()
	if raw := c.Query("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			respondError(c, http.StatusBadRequest, "invalid timeout", s.logger)
			return
		}
		window = time.Duration(seconds) * time.Second
	}
	report, err := s.fleet.Presence(c.Request.Context(), window)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load client status", s.logger)
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleDiagnostics serves the latest result per command for one client,
// selected by ?commands=a,b or by ?category=system,disk.
func (s *Server) handleDiagnostics(c *gin.Context) {
	var ids []string
	if raw := c.Query("commands"); raw != "" {
		ids = splitList(raw)
	}
	if raw := c.Query("category"); raw != "" {
		ids = append(ids, s.whitelist.CategoryCommands(splitList(raw)...)...)
		if len(ids) == 0 {
			respondError(c, http.StatusNotFound, "unknown diagnostic category", s.logger)
			return
		}
	}

	clientID := c.Param("client_id")
	snapshot, err := s.commands.DiagnosticSnapshot(c.Request.Context(), clientID, ids)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to build diagnostics", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client_id": clientID, "diagnostics": snapshot})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
