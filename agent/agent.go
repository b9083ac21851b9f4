package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/edgepulse/edgepulse/pkg/hostinfo"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/edgepulse/edgepulse/agent"

// Agent polls for signed commands, runs them and reports results.
type Agent struct {
	clientID          string
	secret            string
	api               *apiClient
	verifier          *auth.Verifier
	exec              *executor
	pollInterval      time.Duration
	jitter            time.Duration
	heartbeatInterval time.Duration
}

// pollLoop polls until ctx ends. A failed iteration is logged and the loop
// carries on.
func (a *Agent) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		a.safePoll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if a.jitter > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(rand.Int63n(int64(a.jitter)))):
			}
		}
	}
}

func (a *Agent) safePoll(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Poll iteration panicked")
		}
	}()
	if err := a.pollOnce(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Poll iteration failed")
	}
}

// pollOnce handles at most one pending command.
func (a *Agent) pollOnce(ctx context.Context) error {
	command, err := a.api.poll(ctx)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if command == nil {
		return nil
	}
	return a.handle(ctx, command)
}

func (a *Agent) handle(ctx context.Context, command auth.Payload) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.handle_command")
	defer span.End()

	commandUUID, _ := command["command_uuid"].(string)
	commandID, _ := command["command_id"].(string)
	span.SetAttributes(attribute.String("command.uuid", commandUUID), attribute.String("command.id", commandID))
	logger := log.With().Str("command_uuid", commandUUID).Str("command_id", commandID).Logger()

	if err := a.verify(ctx, command); err != nil {
		reason := err.Error()
		var replayErr *auth.ReplayError
		if errors.As(err, &replayErr) {
			reason = replayErr.Reason
		}
		span.SetStatus(codes.Error, reason)
		logger.Warn().Str("reason", reason).Msg("Rejected command")
		return a.api.submitResult(ctx, commandResult{
			CommandUUID: commandUUID,
			CommandID:   commandID,
			ExitCode:    -1,
			Stderr:      "Signature verification failed: " + reason,
			ExecutedAt:  time.Now().UTC().Format(time.RFC3339Nano),
			Status:      "failed",
		})
	}

	commandString, _ := command["command_string"].(string)
	res := a.exec.run(ctx, commandString, commandTimeout(command))
	status := "success"
	if res.ExitCode != 0 {
		status = "failed"
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", res.ExitCode))
	}
	span.SetAttributes(attribute.Int("command.exit_code", res.ExitCode))
	logger.Info().Int("exit_code", res.ExitCode).Dur("duration", res.Duration).Msg("Command executed")

	return a.api.submitResult(ctx, commandResult{
		CommandUUID:     commandUUID,
		CommandID:       commandID,
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Truncated:       res.Truncated,
		ExecutedAt:      res.StartedAt.Format(time.RFC3339Nano),
		DurationSeconds: res.Duration.Seconds(),
		Status:          status,
	})
}

// verify checks the signature, freshness and nonce of a command and that it
// was addressed to this device.
func (a *Agent) verify(ctx context.Context, command auth.Payload) error {
	if err := a.verifier.VerifyCommandSignature(ctx, command, a.secret); err != nil {
		return err
	}
	if target, _ := command[auth.FieldClientID].(string); target != a.clientID {
		return fmt.Errorf("command addressed to %q", target)
	}
	return nil
}

func commandTimeout(command auth.Payload) time.Duration {
	switch v := command["timeout"].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return 0
}

// heartbeatLoop reports host facts every heartbeat interval.
func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		a.sendHeartbeat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Heartbeat panicked")
		}
	}()
	body := hostinfo.Collect(ctx).Heartbeat(a.clientID, Version)
	if err := a.api.heartbeat(ctx, body); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Heartbeat failed")
		return
	}
	log.Debug().Msg("Heartbeat sent")
}
