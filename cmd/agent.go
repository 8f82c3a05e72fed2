package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/audit"
	"github.com/proxyme/proxyme/internal/config"
	"github.com/proxyme/proxyme/internal/db"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage registered agents",
}

var (
	agentName        string
	agentDescription string
	agentScopes      []string
)

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent and print its credentials",
	Long: `Registers an agent with the given permission scopes. The client secret
is printed exactly once; only a hash is stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(agentScopes) == 0 {
			return fmt.Errorf("at least one --scope is required")
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		store := agent.NewStore(database)
		recorder := audit.NewRecorder(audit.NewStore(database), nil)

		reg, err := agent.Register(cmd.Context(), store, recorder, agentName, agentDescription, agentScopes, "cli")
		if err != nil {
			return err
		}

		fmt.Printf("Agent registered.\n\n")
		fmt.Printf("  client_id:     %s\n", reg.ClientID)
		fmt.Printf("  client_secret: %s\n", reg.ClientSecret)
		fmt.Printf("  scopes:        %s\n", strings.Join(reg.Agent.Permissions, ", "))
		fmt.Printf("\nStore the client_secret now; it cannot be recovered.\n")
		return nil
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		agents, err := agent.NewStore(database).List(cmd.Context(), "")
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return nil
		}

		fmt.Printf("%-36s  %-10s  %-20s  %s\n", "ID", "STATUS", "NAME", "SCOPES")
		for _, a := range agents {
			name := a.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("%-36s  %-10s  %-20s  %s\n", a.ID, a.Status, name, strings.Join(a.Permissions, ","))
		}
		return nil
	},
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "agent name")
	agentRegisterCmd.Flags().StringVar(&agentDescription, "description", "", "agent description")
	agentRegisterCmd.Flags().StringSliceVar(&agentScopes, "scope", nil, "permission scope (repeatable)")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	rootCmd.AddCommand(agentCmd)
}
