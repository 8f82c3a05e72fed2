package cmd

import (
	"github.com/spf13/cobra"

	"github.com/proxyme/proxyme/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize proxyme configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to configure the token authority and generates a .proxyme.yml file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard()
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
