package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func linkCmd() *cobra.Command {
	var linkedBy string
	cmd := &cobra.Command{
		Use:   "link <project-hash-a> <project-hash-b>",
		Short: "Grant cross-project discovery and DM eligibility between two projects",
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

			if err := st.LinkProjects(context.Background(), args[0], args[1], linkedBy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s <-> %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&linkedBy, "by", "cli", "agent or operator recording the link")
	return cmd
}
