// Package schema owns the broker's relational schema: table definitions,
// version-gated migrations, and the SQLite connection setup (WAL journal
// mode, foreign keys) every other package depends on.
package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CurrentVersion is the schema version a freshly initialized database is
// stamped with, and the target version migrations bring an older database
// up to.
const CurrentVersion = 6

// OpenDB opens the SQLite database at path with WAL journal mode and
// foreign key enforcement turned on, matching the concurrency model's
// single-writer / many-reader expectations.
func OpenDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// Migrate brings db up to CurrentVersion, running InitDB on a fresh
// database or the version-gated migration steps on an existing one.
func Migrate(db *sql.DB) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if version == 0 {
		return InitDB(db)
	}
	return runMigrations(db, version)
}

// GetSchemaVersion returns the database's current schema version, or 0 if
// the schema_version table does not yet exist (an uninitialized database).
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Most likely: schema_version table does not exist yet.
		return 0, nil
	}
	return version, nil
}

// InitDB creates every table, index, and view at CurrentVersion inside a
// single transaction.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := createViews(tx); err != nil {
		return fmt.Errorf("create views: %w", err)
	}
	if err := createTriggers(tx); err != nil {
		return fmt.Errorf("create triggers: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createTables(tx *sql.Tx) error {
	tables := []string{
		// Projects: a project is identified by its content hash (identity.ProjectHash)
		// over the normalized project root path.
		`CREATE TABLE IF NOT EXISTS projects (
			project_hash TEXT PRIMARY KEY,
			root_path    TEXT NOT NULL,
			display_name TEXT,
			created_at   TEXT NOT NULL
		)`,

		// Agents: one row per registered agent identity. dm_policy gates
		// §4.2's CanDM rule (open/restricted/closed); discoverable gates
		// the three-valued §4.2 discovery rule (public/project/private).
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id      TEXT PRIMARY KEY,
			project_hash  TEXT NOT NULL,
			role          TEXT NOT NULL,
			display_name  TEXT,
			dm_policy     TEXT NOT NULL DEFAULT 'open',
			discoverable  TEXT NOT NULL DEFAULT 'public',
			registered_at TEXT NOT NULL,
			last_seen_at  TEXT,
			FOREIGN KEY (project_hash) REFERENCES projects(project_hash)
		)`,

		// Channels: global:, proj_{hash8}:, dm:, and notes: channels all live
		// in one table distinguished by channel_kind and the channel_id grammar.
		`CREATE TABLE IF NOT EXISTS channels (
			channel_rowid TEXT PRIMARY KEY,
			channel_id    TEXT NOT NULL UNIQUE,
			channel_kind  TEXT NOT NULL,
			project_hash  TEXT,
			name          TEXT,
			created_at    TEXT NOT NULL,
			created_by    TEXT,
			archived      INTEGER NOT NULL DEFAULT 0,
			archived_at   TEXT,
			never_default INTEGER NOT NULL DEFAULT 0
		)`,

		// Channel membership.
		`CREATE TABLE IF NOT EXISTS channel_members (
			channel_id TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			joined_at  TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT 'member',
			opted_out  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (channel_id, agent_id)
		)`,

		// Threads: optional grouping of messages within a channel.
		`CREATE TABLE IF NOT EXISTS threads (
			thread_id  TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			title      TEXT,
			created_at TEXT NOT NULL,
			created_by TEXT NOT NULL
		)`,

		// Messages: the single append-mostly store for channel posts, DMs,
		// and private notes alike — the channel_id distinguishes them.
		`CREATE TABLE IF NOT EXISTS messages (
			message_id      TEXT PRIMARY KEY,
			channel_id      TEXT NOT NULL,
			thread_id       TEXT,
			agent_id        TEXT NOT NULL,
			session_id      TEXT,
			created_at      TEXT NOT NULL,
			body            TEXT NOT NULL,
			confidence      REAL,
			metadata        TEXT NOT NULL DEFAULT '{}',
			deleted         INTEGER NOT NULL DEFAULT 0,
			deleted_at      TEXT,
			authored_by     TEXT,
			disclosed       INTEGER NOT NULL DEFAULT 0,
			vector_synced   INTEGER NOT NULL DEFAULT 0,
			vector_synced_at TEXT
		)`,

		// Full-text mirror of message bodies, kept in sync by the triggers
		// below. Backs the $text operator's "delegated to a full-text
		// index when present" path (§4.3); message_id is an unindexed
		// column so MATCH queries can join back to messages without a
		// separate rowid mapping table.
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			message_id UNINDEXED,
			body
		)`,

		// Message edit audit trail. No façade operation writes to this table
		// in this scope (edit semantics beyond soft-delete are out of scope);
		// only the table exists (there is no recorder) so a future edit
		// surface has somewhere to land without a schema migration.
		`CREATE TABLE IF NOT EXISTS message_edits (
			message_id  TEXT NOT NULL,
			edited_at   TEXT NOT NULL,
			edited_by   TEXT NOT NULL,
			old_body    TEXT NOT NULL,
			new_body    TEXT NOT NULL
		)`,

		// Directed DM permission grants: a granter extending an explicit
		// allow or block to a grantee, per §3's permission ∈ {allow,
		// block} and §4.2's "if Y is restricted, an allow from Y to X
		// must exist" rule (directional, not the undirected pair it
		// replaced).
		`CREATE TABLE IF NOT EXISTS dm_permissions (
			granter_id TEXT NOT NULL,
			grantee_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			granted_at TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			PRIMARY KEY (granter_id, grantee_id)
		)`,

		// Project links: cross-project discovery/DM eligibility grants.
		`CREATE TABLE IF NOT EXISTS project_links (
			project_a  TEXT NOT NULL,
			project_b  TEXT NOT NULL,
			linked_at  TEXT NOT NULL,
			linked_by  TEXT NOT NULL,
			unlinked   INTEGER NOT NULL DEFAULT 0,
			unlinked_at TEXT,
			PRIMARY KEY (project_a, project_b)
		)`,

		// Sessions: one row per connected client session.
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			token      TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			last_seq   INTEGER NOT NULL DEFAULT 0
		)`,

		// Tool calls: recorded invocations attributed to a session, written
		// by store.RecordToolCall and store.FinishToolCall.
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			tool_name    TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			ended_at     TEXT,
			status       TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,

		// Events: an append-only, sequenced event table. No code writes to
		// or reads it: internal/eventbus delivers events in memory and the
		// event stream keeps no log to replay from.
		`CREATE TABLE IF NOT EXISTS events (
			sequence   INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			channel_id TEXT,
			agent_id   TEXT,
			timestamp  TEXT NOT NULL,
			payload    TEXT NOT NULL
		)`,

		// Config reconciliation run history.
		`CREATE TABLE IF NOT EXISTS config_sync_history (
			sync_id    TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status     TEXT NOT NULL,
			plan_json  TEXT NOT NULL,
			error      TEXT
		)`,
	}

	for _, stmt := range tables {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_vector_sync ON messages(vector_synced)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_members_agent ON channel_members(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_kind ON channels(channel_kind, project_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sequence ON events(sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_permissions_grantee ON dm_permissions(grantee_id)`,
	}
	for _, stmt := range indexes {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// createViews defines read-side shortcuts over membership and discovery.
// internal/permission queries only agent_discovery (for Discoverable);
// VisibleChannels joins channels and channel_members directly, and no
// package queries agent_channels or shared_channels. CanDM's policy/block rule
// (§4.2) is evaluated directly against agents/dm_permissions in
// internal/permission rather than through a view, since it is
// conditional on each side's dm_policy rather than a flat join.
func createViews(tx *sql.Tx) error {
	views := []string{
		`CREATE VIEW IF NOT EXISTS agent_channels AS
			SELECT cm.agent_id, c.channel_id, c.channel_kind, c.project_hash, c.archived
			FROM channel_members cm
			JOIN channels c ON c.channel_id = cm.channel_id
			WHERE cm.opted_out = 0`,

		`CREATE VIEW IF NOT EXISTS shared_channels AS
			SELECT a.channel_id, a.agent_id AS agent_a, b.agent_id AS agent_b
			FROM agent_channels a
			JOIN agent_channels b ON a.channel_id = b.channel_id AND a.agent_id < b.agent_id`,

		// Three-valued discovery (§4.2): public always, private never,
		// project visible iff same project, viewer is global (no
		// project_hash), or the two projects are linked.
		`CREATE VIEW IF NOT EXISTS agent_discovery AS
			SELECT a.agent_id AS viewer, b.agent_id AS target
			FROM agents a
			JOIN agents b ON a.agent_id != b.agent_id
			WHERE b.discoverable = 'public'
			UNION
			SELECT a.agent_id AS viewer, b.agent_id AS target
			FROM agents a
			JOIN agents b ON a.agent_id != b.agent_id
			WHERE b.discoverable = 'project'
			AND (
				a.project_hash = b.project_hash
				OR a.project_hash IS NULL OR a.project_hash = ''
				OR EXISTS (
					SELECT 1 FROM project_links pl
					WHERE pl.unlinked = 0
					AND ((pl.project_a = a.project_hash AND pl.project_b = b.project_hash)
					  OR (pl.project_b = a.project_hash AND pl.project_a = b.project_hash))
				)
			)`,
	}
	for _, stmt := range views {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// createTriggers keeps messages_fts in sync with the messages table, so
// the $text filter operator's full-text path (§4.3) never drifts from
// the relational source of truth.
func createTriggers(tx *sql.Tx) error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts (message_id, body) VALUES (new.message_id, new.body);
		END`,

		`CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE OF body ON messages BEGIN
			UPDATE messages_fts SET body = new.body WHERE message_id = new.message_id;
		END`,

		`CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
			DELETE FROM messages_fts WHERE message_id = old.message_id;
		END`,
	}
	for _, stmt := range triggers {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// runMigrations applies version-gated ALTER/CREATE steps to bring an
// existing database from "from" up to CurrentVersion. Each case falls
// through to the next so an old database climbs every intermediate step.
func runMigrations(db *sql.DB, from int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version := from
	switch {
	case version < 2:
		if _, err := tx.Exec(`ALTER TABLE messages ADD COLUMN vector_synced INTEGER NOT NULL DEFAULT 0`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if _, err := tx.Exec(`ALTER TABLE messages ADD COLUMN vector_synced_at TEXT`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		version = 2
		fallthrough
	case version < 3:
		if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS config_sync_history (
			sync_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			plan_json TEXT NOT NULL,
			error TEXT
		)`); err != nil {
			return fmt.Errorf("migrate to v3: %w", err)
		}
		version = 3
		fallthrough
	case version < 4:
		if _, err := tx.Exec(`ALTER TABLE channels ADD COLUMN never_default INTEGER NOT NULL DEFAULT 0`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v4: %w", err)
		}
		if err := createViews(tx); err != nil {
			return fmt.Errorf("migrate to v4: %w", err)
		}
		version = 4
		fallthrough
	case version < 5:
		// confidence is a first-class column, not a metadata field: the
		// filter compiler binds it directly rather than via json_extract.
		if _, err := tx.Exec(`ALTER TABLE messages ADD COLUMN confidence REAL`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v5: %w", err)
		}
		version = 5
		fallthrough
	case version < 6:
		if _, err := tx.Exec(`ALTER TABLE agents ADD COLUMN dm_policy TEXT NOT NULL DEFAULT 'open'`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		// discoverable moves from a bare flag to a three-valued field;
		// existing true/false rows map to public/private, the closest
		// approximation of "was visible"/"was hidden" under the old model.
		if _, err := tx.Exec(`ALTER TABLE agents RENAME COLUMN discoverable TO discoverable_legacy`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`ALTER TABLE agents ADD COLUMN discoverable TEXT NOT NULL DEFAULT 'public'`); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`UPDATE agents SET discoverable = CASE WHEN discoverable_legacy = 1 THEN 'public' ELSE 'private' END`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`ALTER TABLE agents DROP COLUMN discoverable_legacy`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		// dm_permissions moves from an undirected allow/revoke pair to a
		// directed allow/block grant (§3). Existing active grants become
		// bidirectional allows; revoked grants carried no directional
		// block information worth preserving.
		if _, err := tx.Exec(`CREATE TABLE dm_permissions_v6 (
			granter_id TEXT NOT NULL,
			grantee_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			granted_at TEXT NOT NULL,
			granted_by TEXT NOT NULL,
			PRIMARY KEY (granter_id, grantee_id)
		)`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO dm_permissions_v6 (granter_id, grantee_id, permission, granted_at, granted_by)
			SELECT agent_a, agent_b, 'allow', granted_at, granted_by FROM dm_permissions WHERE revoked = 0
			UNION ALL
			SELECT agent_b, agent_a, 'allow', granted_at, granted_by FROM dm_permissions WHERE revoked = 0`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`DROP TABLE dm_permissions`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`ALTER TABLE dm_permissions_v6 RENAME TO dm_permissions`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			message_id UNINDEXED,
			body
		)`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO messages_fts (message_id, body) SELECT message_id, body FROM messages`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if err := createTriggers(tx); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		// dm_access is retired (its undirected revoked-flag model no
		// longer matches the dm_permissions shape above); agent_discovery
		// is redefined for the three-valued discoverable field. Both must
		// be dropped before createViews, since CREATE VIEW IF NOT EXISTS
		// leaves a stale definition in place otherwise.
		if _, err := tx.Exec(`DROP VIEW IF EXISTS dm_access`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if _, err := tx.Exec(`DROP VIEW IF EXISTS agent_discovery`); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		if err := createViews(tx); err != nil {
			return fmt.Errorf("migrate to v6: %w", err)
		}
		version = 6
	}

	if _, err := tx.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("clear schema_version: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentVersion); err != nil {
		return fmt.Errorf("set schema_version: %w", err)
	}
	return tx.Commit()
}

func isDuplicateColumn(err error) bool {
	return err != nil && (contains(err.Error(), "duplicate column") || contains(err.Error(), "already exists"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
