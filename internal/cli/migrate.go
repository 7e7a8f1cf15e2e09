package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claude-slack/broker/internal/schema"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations against the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := schema.OpenDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := schema.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s to schema version %d\n", cfg.DBPath, schema.CurrentVersion)
			return nil
		},
	}
}
