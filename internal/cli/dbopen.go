package cli

import (
	"database/sql"

	"github.com/claude-slack/broker/internal/config"
	"github.com/claude-slack/broker/internal/safedb"
	"github.com/claude-slack/broker/internal/schema"
	"github.com/claude-slack/broker/internal/store"
)

// openStore opens (creating if necessary) and migrates the relational
// database named by cfg, returning a ready-to-use Store alongside the
// raw *sql.DB so the caller can close it.
func openStore(cfg *config.Config) (*store.Store, *sql.DB, error) {
	db, err := schema.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := schema.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store.New(safedb.New(db)), db, nil
}
