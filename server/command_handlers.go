package main

import (
	"errors"
	"net/http"

	"github.com/edgepulse/edgepulse/pkg/commands"
	"github.com/edgepulse/edgepulse/pkg/whitelist"
	"github.com/gin-gonic/gin"
)

func (s *Server) registerCommandRoutes(r *gin.Engine) {
	r.GET("/api/commands/whitelist", s.handleWhitelist)
	r.GET("/api/diagnostics/categories", s.handleCategories)

	admin := r.Group("/api/commands", s.requireAdmin)
	admin.POST("/send", s.handleSendCommand)
	admin.GET("/pending/:client_id", s.handlePending)
	admin.DELETE("/pending/:client_id", s.handleClearPending)
	admin.GET("/results", s.handleResults)
	admin.GET("/results/:command_uuid", s.handleResult)
	admin.GET("/audit", s.handleAudit)

	device := r.Group("/api/commands", s.requireClient)
	device.GET("/poll", s.handlePoll)
	device.POST("/result", s.handleSubmitResult)
}

func (s *Server) handleWhitelist(c *gin.Context) {
	list := s.whitelist.List()
	c.JSON(http.StatusOK, gin.H{"commands": list, "count": len(list)})
}

func (s *Server) handleCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": s.whitelist.Categories()})
}

type sendCommandRequest struct {
	ClientID  string         `json:"client_id"`
	CommandID string         `json:"command_id"`
	Params    map[string]any `json:"params"`
}

func (s *Server) handleSendCommand(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.ClientID == "" {
		respondError(c, http.StatusBadRequest, "Missing required field: client_id", s.logger)
		return
	}
	if req.CommandID == "" {
		respondError(c, http.StatusBadRequest, "Missing required field: command_id", s.logger)
		return
	}

	cmd, err := s.commands.Queue(c.Request.Context(), req.ClientID, req.CommandID, req.Params, adminName(c))
	if err != nil {
		var verr *whitelist.ValidationError
		switch {
		case errors.As(err, &verr):
			respondError(c, http.StatusBadRequest, verr.Reason, s.logger)
		case errors.Is(err, commands.ErrClientNotRegistered):
			respondError(c, http.StatusNotFound, "Client '"+req.ClientID+"' not registered", s.logger)
		default:
			respondError(c, http.StatusInternalServerError, "failed to queue command", s.logger)
		}
		return
	}

	s.metrics.commandsQueued.Inc()
	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("client_id", req.ClientID).
		Str("command_id", req.CommandID).
		Str("command_uuid", cmd.CommandUUID).
		Msg("command queued")
	c.JSON(http.StatusCreated, gin.H{"status": "queued", "command": cmd})
}

func (s *Server) handlePending(c *gin.Context) {
	clientID := c.Param("client_id")
	pending, err := s.commands.Pending(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list pending commands", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client_id": clientID, "pending": pending, "count": len(pending)})
}

func (s *Server) handleClearPending(c *gin.Context) {
	clientID := c.Param("client_id")
	n, err := s.commands.Clear(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to clear pending commands", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client_id": clientID, "cleared": n})
}

// handlePoll hands the caller its oldest pending command, or null. It never waits.
func (s *Server) handlePoll(c *gin.Context) {
	cmd, err := s.commands.Pop(c.Request.Context(), authenticatedClient(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to poll commands", s.logger)
		return
	}
	if cmd == nil {
		c.JSON(http.StatusOK, gin.H{"command": nil})
		return
	}
	logger := requestLogger(c, s.logger)
	logger.Debug().Str("command_uuid", cmd.CommandUUID).Msg("command delivered")
	c.JSON(http.StatusOK, gin.H{"command": cmd})
}

type resultRequest struct {
	CommandUUID     string  `json:"command_uuid"`
	CommandID       string  `json:"command_id"`
	ExitCode        *int    `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	Truncated       bool    `json:"truncated"`
	ExecutedAt      string  `json:"executed_at"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          string  `json:"status"`
}

func (s *Server) handleSubmitResult(c *gin.Context) {
	var req resultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.CommandUUID == "" {
		respondError(c, http.StatusBadRequest, "Missing required field: command_uuid", s.logger)
		return
	}
	if req.ExitCode == nil {
		respondError(c, http.StatusBadRequest, "Missing required field: exit_code", s.logger)
		return
	}
	switch req.Status {
	case "", commands.StatusSuccess, commands.StatusFailed:
	default:
		respondError(c, http.StatusBadRequest, "invalid status", s.logger)
		return
	}

	stored, err := s.commands.StoreResult(c.Request.Context(), commands.Result{
		CommandUUID:     req.CommandUUID,
		CommandID:       req.CommandID,
		ClientID:        authenticatedClient(c),
		ExitCode:        *req.ExitCode,
		Stdout:          req.Stdout,
		Stderr:          req.Stderr,
		Truncated:       req.Truncated,
		ExecutedAt:      req.ExecutedAt,
		DurationSeconds: req.DurationSeconds,
		Status:          req.Status,
	})
	switch {
	case errors.Is(err, commands.ErrCommandNotIssued):
		respondError(c, http.StatusNotFound, "Command "+req.CommandUUID+" was not issued to "+authenticatedClient(c), s.logger)
		return
	case errors.Is(err, commands.ErrDuplicateResult):
		respondError(c, http.StatusConflict, "Result already submitted for command "+req.CommandUUID, s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "failed to store result", s.logger)
		return
	}

	s.metrics.resultsStored.WithLabelValues(stored.Status).Inc()
	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("command_uuid", stored.CommandUUID).
		Int("exit_code", stored.ExitCode).
		Bool("truncated", stored.Truncated).
		Msg("command result stored")
	c.JSON(http.StatusOK, gin.H{
		"status":       "received",
		"command_uuid": stored.CommandUUID,
		"truncated":    stored.Truncated,
	})
}

func (s *Server) handleResults(c *gin.Context) {
	limit, ok := queryLimit(c, commands.DefaultLimit)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
		return
	}
	results, err := s.commands.Results(c.Request.Context(), c.Query("client_id"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load results", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (s *Server) handleResult(c *gin.Context) {
	commandUUID := c.Param("command_uuid")
	result, found, err := s.commands.ResultByUUID(c.Request.Context(), commandUUID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load result", s.logger)
		return
	}
	if !found {
		respondError(c, http.StatusNotFound, "Result not found for command "+commandUUID, s.logger)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAudit(c *gin.Context) {
	limit, ok := queryLimit(c, commands.DefaultLimit)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
		return
	}
	entries, err := s.commands.Audit(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load audit log", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
