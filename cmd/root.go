package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root command and attaches the subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "checkout-crawler",
		Short: "Walks web shops through checkout with a browser agent.",
		Long: `checkout-crawler drives an LLM browser agent through the checkout flow of
a list of web shops, one isolated browser per site, and records what happened
along the way: a screencast, the agent conversation, the network traffic and
browser performance metrics.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <path>/config.yaml when --path is set)")
	cmd.AddCommand(newCrawlCmd(&cfgFile))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
