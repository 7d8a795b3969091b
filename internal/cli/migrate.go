package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"quote-engine/internal/app"
)

var (
	migrateDown  bool
	migrateSteps int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateSteps < 0 {
			return fmt.Errorf("--steps must not be negative")
		}
		return getApp().Migrate(cmd.Context(), cmd.OutOrStdout(), app.MigrateOptions{
			Down:  migrateDown,
			Steps: migrateSteps,
		})
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back instead of applying")
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 0, "Maximum migrations to run (0 = all up, 1 down)")
}
