package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set by the release build via -ldflags; "dev" otherwise.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orbiq version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("orbiq " + version)
			return nil
		},
	}
}
