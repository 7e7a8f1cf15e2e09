package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func unlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <project-hash-a> <project-hash-b>",
		Short: "Revoke a previously granted project link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := st.UnlinkProjects(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlinked %s <-> %s\n", args[0], args[1])
			return nil
		},
	}
}
