package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claude-slack/broker/internal/brokererr"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-hash>",
		Short: "Show a project's registration and its active links",
		Args:  cobra.ExactArgs(1),
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

			ctx := context.Background()
			project, err := st.GetProject(ctx, args[0])
			if err != nil {
				if brokererr.Is(err, brokererr.KindNotFound) {
					return newArgError("unknown project hash %q", args[0])
				}
				return err
			}
			links, err := st.ListProjectLinks(ctx, args[0])
			if err != nil {
				return err
			}

			if flagJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"project": project,
					"links":   links,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "project %s (%s)\n", project.ProjectHash, project.DisplayName)
			fmt.Fprintf(cmd.OutOrStdout(), "root: %s\n", project.RootPath)
			if len(links) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no active links")
				return nil
			}
			for _, l := range links {
				other := l.ProjectA
				if other == args[0] {
					other = l.ProjectB
				}
				fmt.Fprintf(cmd.OutOrStdout(), "linked with %s (by %s at %s)\n", other, l.LinkedBy, l.LinkedAt)
			}
			return nil
		},
	}
}
