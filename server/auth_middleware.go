package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	adminKeyHeader  = "X-API-Key"
	adminKeyQuery   = "api_key"
	clientIDHeader  = "X-Client-ID"
	clientKeyHeader = "X-Client-Key"

	adminNameContextKey = "admin_name"
	clientIDContextKey  = "client_id"
)

func (s *Server) requireAdmin(c *gin.Context) {
	s.authenticateAdmin(c, false)
}

// requireAdminOrQuery also accepts the key as ?api_key= for WebSocket
// clients that cannot set headers.
func (s *Server) requireAdminOrQuery(c *gin.Context) {
	s.authenticateAdmin(c, true)
}

func (s *Server) authenticateAdmin(c *gin.Context, allowQuery bool) {
	if s.authThrottled(c) {
		return
	}
	key := c.GetHeader(adminKeyHeader)
	if key == "" && allowQuery {
		key = c.Query(adminKeyQuery)
	}
	if key == "" {
		s.rejectAuth(c, "admin", "Missing API key")
		return
	}
	admin, ok, err := s.creds.LookupAdmin(c.Request.Context(), key)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to validate API key", s.logger)
		return
	}
	if !ok {
		s.rejectAuth(c, "admin", "Invalid API key")
		return
	}
	c.Set(adminNameContextKey, admin.Name)
	annotateRequest(c, "admin", admin.Name)
	c.Next()
}

// requireClient checks the device's id and secret key headers. This is an
// exact match on the shared secret; command payloads are signed separately.
func (s *Server) requireClient(c *gin.Context) {
	if s.authThrottled(c) {
		return
	}
	clientID := c.GetHeader(clientIDHeader)
	if clientID == "" {
		s.rejectAuth(c, "client", "Missing client ID")
		return
	}
	key := c.GetHeader(clientKeyHeader)
	if key == "" {
		s.rejectAuth(c, "client", "Missing client key")
		return
	}
	ok, err := s.creds.AuthenticateClient(c.Request.Context(), clientID, key)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to validate client credentials", s.logger)
		return
	}
	if !ok {
		s.rejectAuth(c, "client", "Invalid client credentials")
		return
	}
	c.Set(clientIDContextKey, clientID)
	annotateRequest(c, "client_id", clientID)
	c.Next()
}

func (s *Server) authThrottled(c *gin.Context) bool {
	if !s.limiter.Exceeded(authFailureKey(c), s.cfg.RateLimit.AuthFailuresPerMinute) {
		return false
	}
	respondError(c, http.StatusTooManyRequests, "too many failed authentication attempts", s.logger)
	return true
}

func (s *Server) rejectAuth(c *gin.Context, kind, message string) {
	s.metrics.authFailures.WithLabelValues(kind).Inc()
	s.limiter.Record(authFailureKey(c), time.Minute)
	respondError(c, http.StatusUnauthorized, message, s.logger)
}

func authFailureKey(c *gin.Context) string {
	return "auth:" + c.ClientIP()
}

func adminName(c *gin.Context) string {
	return c.GetString(adminNameContextKey)
}

func authenticatedClient(c *gin.Context) string {
	return c.GetString(clientIDContextKey)
}
