package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type whitelistEntry struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Params      []string `json:"params"`
	Timeout     int      `json:"timeout"`
}

type queuedCommand struct {
	CommandUUID   string            `json:"command_uuid"`
	CommandID     string            `json:"command_id"`
	CommandString string            `json:"command_string"`
	Params        map[string]string `json:"params"`
	QueuedAt      string            `json:"queued_at"`
	QueuedBy      string            `json:"queued_by"`
	Status        string            `json:"status"`
}

type commandResult struct {
	CommandUUID      string    `json:"command_uuid"`
	CommandID        string    `json:"command_id"`
	ClientID         string    `json:"client_id"`
	ExitCode         int       `json:"exit_code"`
	Stdout           string    `json:"stdout"`
	Stderr           string    `json:"stderr"`
	Truncated        bool      `json:"truncated"`
	ExecutedAt       string    `json:"executed_at"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Status           string    `json:"status"`
	ResultReceivedAt time.Time `json:"result_received_at"`
}

type auditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	User        string    `json:"user"`
	CommandUUID string    `json:"command_uuid"`
	CommandID   string    `json:"command_id"`
	ClientID    string    `json:"client_id"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exit_code"`
}

func commandsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Queue and inspect whitelisted commands",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "whitelist"},
		Short:   "List whitelisted commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Commands []whitelistEntry `json:"commands"`
			}
			if err := opts.client().get(cmd.Context(), "/api/commands/whitelist", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COMMAND\tCATEGORY\tPARAMS\tTIMEOUT\tDESCRIPTION")
			for _, c := range resp.Commands {
				fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\n", c.ID, c.Category, strings.Join(c.Params, ","), c.Timeout, c.Description)
			}
			return w.Flush()
		},
	}

	var params []string
	sendCmd := &cobra.Command{
		Use:   "send [client_id] [command_id]",
		Short: "Queue a whitelisted command for a device",
		Example: "  edgepulse commands send edge-01 uptime\n" +
			"  edgepulse commands send edge-01 ping_host -p host=8.8.8.8 -p count=3",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			body := map[string]any{"client_id": args[0], "command_id": args[1]}
			if len(parsed) > 0 {
				body["params"] = parsed
			}
			var resp struct {
				Command queuedCommand `json:"command"`
			}
			if err := opts.client().post(cmd.Context(), "/api/commands/send", body, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queued %s for %s\n", resp.Command.CommandID, args[0])
			fmt.Fprintf(out, "Command UUID: %s\n", resp.Command.CommandUUID)
			for _, k := range sortedKeys(resp.Command.Params) {
				fmt.Fprintf(out, "  %s=%s\n", k, resp.Command.Params[k])
			}
			return nil
		},
	}
	sendCmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Command parameter as key=value (repeatable)")

	pendingCmd := &cobra.Command{
		Use:   "pending [client_id]",
		Short: "List commands waiting for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Pending []queuedCommand `json:"pending"`
			}
			path := "/api/commands/pending/" + url.PathEscape(args[0])
			if err := opts.client().get(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tCOMMAND\tQUEUED AT\tQUEUED BY")
			for _, c := range resp.Pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.CommandUUID, c.CommandID, c.QueuedAt, c.QueuedBy)
			}
			return w.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear [client_id]",
		Short: "Drop every pending command for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Cleared int `json:"cleared"`
			}
			path := "/api/commands/pending/" + url.PathEscape(args[0])
			if err := opts.client().delete(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d pending command(s) for %s\n", resp.Cleared, args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, sendCmd, pendingCmd, clearCmd)
	return cmd
}

// parseParams turns key=value flags into a params object.
func parseParams(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func resultsCmd(opts *options) *cobra.Command {
	var clientID string
	var limit int
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List recent command results",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if clientID != "" {
				query.Set("client_id", clientID)
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Results []commandResult `json:"results"`
			}
			if err := opts.client().get(cmd.Context(), "/api/commands/results", query, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tCLIENT\tCOMMAND\tSTATUS\tEXIT\tRECEIVED")
			for _, r := range resp.Results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.CommandUUID, r.ClientID, r.CommandID, r.Status, r.ExitCode, ago(r.ResultReceivedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&clientID, "client", "c", "", "Only show results for this client")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results")
	return cmd
}

func resultCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "result [command_uuid]",
		Short: "Show one command result with its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r commandResult
			path := "/api/commands/results/" + url.PathEscape(args[0])
			if err := opts.client().get(cmd.Context(), path, nil, &r); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Command:   %s (%s)\n", r.CommandID, r.CommandUUID)
			fmt.Fprintf(out, "Client:    %s\n", r.ClientID)
			fmt.Fprintf(out, "Status:    %s (exit %d)\n", r.Status, r.ExitCode)
			fmt.Fprintf(out, "Executed:  %s (%.2fs)\n", r.ExecutedAt, r.DurationSeconds)
			if r.Truncated {
				fmt.Fprintln(out, "Output was truncated")
			}
			if r.Stdout != "" {
				fmt.Fprintf(out, "\n--- stdout ---\n%s\n", strings.TrimRight(r.Stdout, "\n"))
			}
			if r.Stderr != "" {
				fmt.Fprintf(out, "\n--- stderr ---\n%s\n", strings.TrimRight(r.Stderr, "\n"))
			}
			return nil
		},
	}
}

func auditCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the command audit log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Entries []auditEntry `json:"entries"`
			}
			if err := opts.client().get(cmd.Context(), "/api/commands/audit", query, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tUSER\tCLIENT\tCOMMAND\tSTATUS\tEXIT")
			for _, e := range resp.Entries {
				exit := "-"
				if e.ExitCode != nil {
					exit = strconv.Itoa(*e.ExitCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.EventType, e.User, e.ClientID, e.CommandID, e.Status, exit)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of entries")
	return cmd
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
