package main

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func adminCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin API keys",
	}

	var initName string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the first admin key (only works once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				APIKey  string `json:"api_key"`
				Name    string `json:"name"`
				Message string `json:"message"`
			}
			if err := opts.client().post(cmd.Context(), "/api/admin/init", map[string]string{"name": initName}, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Admin:   %s\n", resp.Name)
			fmt.Fprintf(out, "API key: %s\n", resp.APIKey)
			if resp.Message != "" {
				fmt.Fprintln(out, resp.Message)
			}
			return nil
		},
	}
	initCmd.Flags().StringVar(&initName, "name", "admin", "Admin name")

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create another admin key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				APIKey string `json:"api_key"`
				Name   string `json:"name"`
			}
			if err := opts.client().post(cmd.Context(), "/api/admin/keys", map[string]string{"name": args[0]}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Admin:   %s\nAPI key: %s\n", resp.Name, resp.APIKey)
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke [api_key]",
		Short: "Revoke an admin key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().delete(cmd.Context(), "/api/admin/keys", map[string]string{"api_key": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Admin key revoked")
			return nil
		},
	}

	cmd.AddCommand(initCmd, createCmd, revokeCmd)
	return cmd
}

type clientCredential struct {
	ClientID  string     `json:"client_id"`
	CreatedAt time.Time  `json:"created_at"`
	Enabled   bool       `json:"enabled"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type clientPresence struct {
	ClientID      string    `json:"client_id"`
	Hostname      string    `json:"hostname"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

func clientsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "clients",
		Aliases: []string{"devices"},
		Short:   "Manage device credentials",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Clients []clientCredential `json:"clients"`
			}
			if err := opts.client().get(cmd.Context(), "/api/clients", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tENABLED\tCREATED")
			for _, c := range resp.Clients {
				fmt.Fprintf(w, "%s\t%v\t%s\n", c.ClientID, c.Enabled, c.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	registerCmd := &cobra.Command{
		Use:   "register [client_id]",
		Short: "Register a device and print its secret key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ClientID  string `json:"client_id"`
				SecretKey string `json:"secret_key"`
			}
			if err := opts.client().post(cmd.Context(), "/api/clients", map[string]string{"client_id": args[0]}, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Client:     %s\n", resp.ClientID)
			fmt.Fprintf(out, "Secret key: %s\n", resp.SecretKey)
			fmt.Fprintln(out, "Store the secret on the device; it is not shown again.")
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke [client_id]",
		Short: "Revoke a device's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/clients/" + url.PathEscape(args[0])
			if err := opts.client().delete(cmd.Context(), path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Client %s revoked\n", args[0])
			return nil
		},
	}

	var window int
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show which devices are online",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if window > 0 {
				query.Set("timeout", strconv.Itoa(window))
			}
			var resp struct {
				Clients []clientPresence `json:"clients"`
				Total   int              `json:"total"`
				Online  int              `json:"online"`
				Offline int              `json:"offline"`
			}
			if err := opts.client().get(cmd.Context(), "/api/clients/status", query, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total: %d  Online: %d  Offline: %d\n\n", resp.Total, resp.Online, resp.Offline)
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tHOSTNAME\tSTATUS\tLAST HEARTBEAT")
			for _, c := range resp.Clients {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ClientID, c.Hostname, c.Status, ago(c.LastHeartbeat))
			}
			return w.Flush()
		},
	}
	statusCmd.Flags().IntVar(&window, "timeout", 0, "Seconds since last heartbeat before a device counts as offline")

	var commandIDs, categories string
	diagnosticsCmd := &cobra.Command{
		Use:   "diagnostics [client_id]",
		Short: "Show the latest diagnostic results for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if commandIDs != "" {
				query.Set("commands", commandIDs)
			}
			if categories != "" {
				query.Set("category", categories)
			}
			var resp map[string]any
			path := "/api/clients/" + url.PathEscape(args[0]) + "/diagnostics"
			if err := opts.client().get(cmd.Context(), path, query, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	diagnosticsCmd.Flags().StringVar(&commandIDs, "commands", "", "Comma separated command IDs")
	diagnosticsCmd.Flags().StringVar(&categories, "category", "", "Comma separated diagnostic categories")

	cmd.AddCommand(listCmd, registerCmd, revokeCmd, statusCmd, diagnosticsCmd)
	return cmd
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show telemetry sink statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]any
			if err := opts.client().get(cmd.Context(), "/api/stats", nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}
