// Package wardwatch implements the wardwatch command line.
package wardwatch

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	server     string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "wardwatch",
		Short: "Budget-aware AI intelligence for campaign teams",
		Long: `wardwatch routes questions to the cheapest reliable AI provider that fits
the question, keeps spend inside a fixed budget and streams results to
everyone watching a topic.

Run "wardwatch serve" to start the API, then "wardwatch ask" and
"wardwatch watch" against it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("WARDWATCH_SERVER")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "wardwatch API base URL")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output raw JSON")

	cmd.AddCommand(
		newAskCmd(opts),
		newWatchCmd(opts),
		newServeCmd(),
		newBudgetCmd(opts),
		newProvidersCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
