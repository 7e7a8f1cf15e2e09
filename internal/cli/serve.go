package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/claude-slack/broker/internal/embedding"
	"github.com/claude-slack/broker/internal/eventbus"
	"github.com/claude-slack/broker/internal/eventstream"
	"github.com/claude-slack/broker/internal/facade"
	"github.com/claude-slack/broker/internal/safedb"
	"github.com/claude-slack/broker/internal/schema"
	"github.com/claude-slack/broker/internal/vectorindex"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker: open the store and vector index, serve the event stream",
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

			ctx := context.Background()
			idx, err := vectorindex.Open(ctx, vectorindex.Config{
				Path:       cfg.VectorPath,
				URL:        cfg.VectorURL,
				APIKey:     cfg.VectorAPIKey,
				Dimensions: embedding.DefaultDimensions,
			})
			if err != nil {
				return fmt.Errorf("open vector index: %w", err)
			}
			defer func() { _ = idx.Close() }()

			bus := eventbus.New(eventbus.DefaultQueueSize)
			broker := facade.New(safedb.New(db), idx, embedding.NewHashProvider(embedding.DefaultDimensions), bus)
			defer func() { _ = broker.Close() }()

			mux := http.NewServeMux()
			mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
				agentID := r.URL.Query().Get("agent_id")
				projectHash := r.URL.Query().Get("project_hash")
				if agentID == "" {
					http.Error(w, "agent_id is required", http.StatusBadRequest)
					return
				}
				if err := eventstream.Serve(w, r, bus, broker, agentID, projectHash); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "stream error: %v\n", err)
				}
			})

			fmt.Fprintf(cmd.OutOrStdout(), "serving on %s\n", addr)
			return http.ListenAndServe(addr, mux) //nolint:gosec // G114 - operator-run local service, not internet-facing
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address for the event stream server")
	return cmd
}
