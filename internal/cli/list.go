package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered project",
		Args:  cobra.NoArgs,
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

			projects, err := st.ListProjects(context.Background())
			if err != nil {
				return err
			}

			if flagJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(projects)
			}
			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ProjectHash, p.DisplayName, p.RootPath)
			}
			return nil
		},
	}
}
