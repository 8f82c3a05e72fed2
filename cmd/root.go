package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "proxyme",
	Short: "Delegation and token authority for AI agents",
	Long: `Proxyme is a delegation and token authority: it registers AI agents,
issues scoped bearer tokens on behalf of human principals, brokers
agent-to-agent delegation requests, and keeps an append-only audit
log of every security-relevant event.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".proxyme.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
