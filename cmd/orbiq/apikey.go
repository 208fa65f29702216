package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/orbiq/internal/auth"
)

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage service-to-service API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func getAPIKeyStore() *auth.APIKeyStore {
	client := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPass, DB: redisDB})
	return auth.NewAPIKeyStore(client)
}

func apikeyCreateCmd() *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			key, err := getAPIKeyStore().Create(context.Background(), name, tier)
			if err != nil {
				return err
			}

			fmt.Println("API key created:")
			fmt.Printf("  Name: %s\n", name)
			fmt.Printf("  Tier: %s\n", tier)
			fmt.Printf("  Key:  %s\n", key)
			fmt.Println("\nStore this key securely; it cannot be retrieved later.")
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "default", "Rate limit tier")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := getAPIKeyStore().List(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTIER\tENABLED\tCREATED_AT")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", k.Name, k.Tier, k.Enabled, k.CreatedAt.Format("2006-01-02T15:04:05Z"))
			}
			return w.Flush()
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <name>",
		Short: "Disable an API key without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := getAPIKeyStore().Revoke(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("API key %q revoked\n", args[0])
			return nil
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Permanently remove an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := getAPIKeyStore().Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("API key %q deleted\n", args[0])
			return nil
		},
	}
}
