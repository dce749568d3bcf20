package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mcpu/internal/router"
)

// reloadCmd is a thin CLI wrapper around the Router's `reload` command,
// letting an operator invalidate a server's cached schema fingerprint (or
// every server's, with no argument) without going through the daemon HTTP
// surface or the façade.
var reloadCmd = &cobra.Command{
	Use:   "reload [server]",
	Short: "Invalidate cached tool schemas for one server, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := buildGraph()
		if err != nil {
			return fmt.Errorf("mcpud: %w", err)
		}

		result := g.r.Run(context.Background(), router.CoreExecutionOptions{
			Argv: append([]string{"reload"}, args...),
		})
		fmt.Println(result.Output)
		if !result.Success {
			fmt.Fprintln(os.Stderr, result.Error)
		}
		os.Exit(result.ExitCode)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
