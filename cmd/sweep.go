package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/proxyme/proxyme/internal/config"
	"github.com/proxyme/proxyme/internal/db"
	"github.com/proxyme/proxyme/internal/delegation"
	"github.com/proxyme/proxyme/internal/progress"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire pending delegation requests past their deadline",
	Long: `Walks pending delegation requests and marks those past their
expiration time as expired. Tokens need no sweep: expiry is checked at
validation time.`,
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

		store := delegation.NewStore(database)
		expired, err := store.ExpiredPending(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			fmt.Println("No pending requests past their deadline.")
			return nil
		}

		reporter := progress.NewReporter("Expiring requests")
		reporter.Start(len(expired))
		for i := range expired {
			if err := store.MarkExpired(cmd.Context(), &expired[i]); err != nil {
				reporter.Finish()
				return fmt.Errorf("expiring request %s: %w", expired[i].ID, err)
			}
			reporter.Update(i+1, expired[i].ID)
		}
		reporter.Finish()

		fmt.Printf("Expired %d delegation request(s).\n", len(expired))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
