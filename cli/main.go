package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

// options holds the persistent flags shared by every subcommand.
type options struct {
	serverURL string
	apiKey    string
	timeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "edgepulse",
		Short:         "EdgePulse - remote commands and shells for edge devices",
		Long:          "Queue whitelisted commands, read results and open interactive shells on EdgePulse devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", envOr("EDGEPULSE_SERVER", "http://localhost:8080"), "EdgePulse server URL")
	rootCmd.PersistentFlags().StringVarP(&opts.apiKey, "api-key", "k", os.Getenv("EDGEPULSE_API_KEY"), "Admin API key")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Request timeout")

	rootCmd.AddCommand(
		adminCmd(opts),
		clientsCmd(opts),
		commandsCmd(opts),
		resultsCmd(opts),
		resultCmd(opts),
		auditCmd(opts),
		statsCmd(opts),
		shellCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edgepulse version %s\n", Version)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a thin JSON client for the admin API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (o *options) client() *client {
	return &client{
		baseURL: strings.TrimRight(o.serverURL, "/"),
		apiKey:  o.apiKey,
		http:    &http.Client{Timeout: o.timeout},
	}
}

// apiError is a non-2xx response. Message comes from the server's error field.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		return &apiError{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *client) delete(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, body, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
