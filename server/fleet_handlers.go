package main

import (
	"errors"
	"net/http"

	"github.com/edgepulse/edgepulse/pkg/fleet"
	"github.com/gin-gonic/gin"
)

const defaultDataLimit = 100

func (s *Server) registerFleetRoutes(r *gin.Engine) {
	r.POST("/api/heartbeat", s.requireClient, s.handleHeartbeat)
	r.POST("/api/logs", s.handleLogs)

	admin := r.Group("/api", s.requireAdmin)
	admin.GET("/data", s.handleData)
	admin.GET("/stats", s.handleStats)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	body, err := bindObject(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "No data provided", s.logger)
		return
	}
	// A device may only report its own presence.
	if id, ok := body["client_id"].(string); ok && id != "" && id != authenticatedClient(c) {
		respondError(c, http.StatusForbidden, "client_id does not match authenticated client", s.logger)
		return
	}
	presence, err := s.fleet.RecordHeartbeat(c.Request.Context(), body)
	switch {
	case errors.Is(err, fleet.ErrMissingClientID):
		respondError(c, http.StatusBadRequest, "Missing client_id", s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to record heartbeat", s.logger)
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Debug().Str("client_id", presence.ClientID).Msg("heartbeat received")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "client_id": presence.ClientID, "last_heartbeat": presence.LastHeartbeat})
}

func (s *Server) handleLogs(c *gin.Context) {
	body, err := bindObject(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "No data provided", s.logger)
		return
	}
	if _, err := s.fleet.AppendLog(c.Request.Context(), body); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store log record", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Log received"})
}

func (s *Server) handleData(c *gin.Context) {
	limit, ok := queryLimit(c, defaultDataLimit)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
		return
	}
	records, total, err := s.fleet.RecentLogs(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load log records", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "total": total})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.fleet.Stats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load stats", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
