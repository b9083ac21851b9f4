package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/edgepulse/edgepulse/pkg/auth"
)

const (
	clientIDHeader  = "X-Client-ID"
	clientKeyHeader = "X-Client-Key"
)

// commandResult is the body of POST /api/commands/result.
type commandResult struct {
	CommandUUID     string  `json:"command_uuid"`
	CommandID       string  `json:"command_id"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	Truncated       bool    `json:"truncated"`
	ExecutedAt      string  `json:"executed_at"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          string  `json:"status"`
}

// apiClient talks to the center server with the device's credentials.
type apiClient struct {
	baseURL  string
	clientID string
	secret   string
	http     *http.Client
	retry    *retrier
}

func (c *apiClient) endpoint(path string) string {
	return strings.TrimRight(c.baseURL, "/") + path
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(clientIDHeader, c.clientID)
	req.Header.Set(clientKeyHeader, c.secret)
	return req, nil
}

// send performs one request and maps the response status. 5xx and 429 come
// back as retryableStatusError.
func (c *apiClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if isRetryableStatus(resp) {
		return nil, newRetryableStatusError(resp)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// poll fetches the oldest pending command, or nil when there is none. The
// command is returned exactly as received so its signature can be checked.
func (c *apiClient) poll(ctx context.Context) (auth.Payload, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/commands/poll", nil)
	if err != nil {
		return nil, err
	}
	data, err := c.send(req)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Command json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	if len(envelope.Command) == 0 || string(envelope.Command) == "null" {
		return nil, nil
	}
	return auth.DecodePayload(envelope.Command)
}

// submitResult reports a result, retrying transient failures. A 409 means
// the server already holds a result for the command and is not an error.
func (c *apiClient) submitResult(ctx context.Context, result commandResult) error {
	err := c.retry.do(ctx, "submit_result", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/commands/result", result)
		if err != nil {
			return err
		}
		_, err = c.send(req)
		return err
	}, isRetryableHTTP)

	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusConflict {
		return nil
	}
	return err
}

func (c *apiClient) heartbeat(ctx context.Context, body map[string]any) error {
	return c.retry.do(ctx, "heartbeat", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, "/api/heartbeat", body)
		if err != nil {
			return err
		}
		_, err = c.send(req)
		return err
	}, isRetryableHTTP)
}
