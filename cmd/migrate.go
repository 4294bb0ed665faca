package main

import (
	"fmt"

	"github.com/Shivanand-hulikatti/race-registration/internal/config"
	"github.com/Shivanand-hulikatti/race-registration/internal/database"
	"github.com/spf13/cobra"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Driver != config.DriverPostgres {
			return fmt.Errorf("migrations only apply to the postgres store, not %q", cfg.Store.Driver)
		}
		return database.Migrate(cfg.Database.DSN, args[0], migrateSteps)
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 0, "number of migrations to apply (0 = all)")
}
