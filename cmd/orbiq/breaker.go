package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func breakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset a running daemon's circuit breakers",
	}
	cmd.AddCommand(breakerListCmd())
	cmd.AddCommand(breakerResetCmd())
	return cmd
}

func breakerListCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every registered breaker and its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr + "/v1/admin/breakers")
			if err != nil {
				return fmt.Errorf("query daemon: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned status %d", resp.StatusCode)
			}

			var snapshot map[string]struct {
				State         string  `json:"state"`
				FailureCount  int     `json:"current_failure_count"`
				TotalFailures int64   `json:"total_failures"`
				FailureRate   float64 `json:"failure_rate"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			names := make([]string, 0, len(snapshot))
			for name := range snapshot {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tCURRENT_FAILURES\tTOTAL_FAILURES\tFAILURE_RATE")
			for _, name := range names {
				b := snapshot[name]
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\n", name, b.State, b.FailureCount, b.TotalFailures, b.FailureRate)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Daemon admin API base URL")
	return cmd
}

func breakerResetCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "reset <name>",
		Short: "Force a tripped breaker back to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			resp, err := http.Post(fmt.Sprintf("%s/v1/admin/breakers/%s/reset", addr, name), "application/json", nil)
			if err != nil {
				return fmt.Errorf("query daemon: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned status %d", resp.StatusCode)
			}
			fmt.Printf("breaker %q reset\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Daemon admin API base URL")
	return cmd
}
