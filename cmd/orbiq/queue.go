package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect a running daemon's per-tenant request queue",
	}
	cmd.AddCommand(queueInspectCmd())
	return cmd
}

func queueInspectCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "inspect <tenant_id>",
		Short: "Report the current queue depth for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			resp, err := http.Get(fmt.Sprintf("%s/v1/admin/queue/%s", addr, tenantID))
			if err != nil {
				return fmt.Errorf("query daemon: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned status %d", resp.StatusCode)
			}

			var stats map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Printf("tenant_id=%v queue_length=%v\n", stats["tenant_id"], stats["queue_length"])
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Daemon admin API base URL")
	return cmd
}
