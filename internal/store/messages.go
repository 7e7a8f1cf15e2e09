package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// Message is a row of the messages table. Confidence is a first-class
// column (not part of Metadata) so the filter compiler and the ranker
// can bind to it directly without a JSON extract.
type Message struct {
	MessageID    string
	ChannelID    string
	ThreadID     string
	AgentID      string
	SessionID    string
	CreatedAt    string
	Body         string
	Confidence   *float64
	Metadata     string // raw JSON object, filtered via internal/filter
	Deleted      bool
	DeletedAt    string
	AuthoredBy   string
	Disclosed    bool
	VectorSynced bool
}

const messageColumns = `message_id, channel_id, thread_id, agent_id, session_id, created_at, body, confidence, metadata, deleted, deleted_at, authored_by, disclosed, vector_synced`

// InsertMessage inserts a new message row. The caller (internal/facade) is
// responsible for the vector dual-write; this method only commits the
// relational half and leaves vector_synced at its default of 0, so a crash
// between the two writes leaves a message the resync pass
// (facade.ResyncVectors, via ListUnsyncedMessages) can find and catch up (§4.4 "dual-write... tolerant of partial failure").
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel_id, thread_id, agent_id, session_id, created_at, body, confidence, metadata, authored_by, disclosed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.ChannelID, nullableString(m.ThreadID), m.AgentID, nullableString(m.SessionID),
		m.CreatedAt, m.Body, nullableFloat(m.Confidence), m.Metadata, nullableString(m.AuthoredBy), boolToInt(m.Disclosed))
	if err != nil {
		return brokererr.New(brokererr.KindConflict, "store.InsertMessage", fmt.Errorf("insert message: %w", err))
	}
	return nil
}

// MarkVectorSynced records that a message's embedding has been written to
// the vector index.
func (s *Store) MarkVectorSynced(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET vector_synced = 1, vector_synced_at = ? WHERE message_id = ?`,
		nowRFC3339(), messageID,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.MarkVectorSynced", err)
	}
	return nil
}

// ListUnsyncedMessages returns non-deleted messages that have not yet been
// written to the vector index, for the resync pass (§4.4).
func (s *Store) ListUnsyncedMessages(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE vector_synced = 0 AND deleted = 0 ORDER BY created_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListUnsyncedMessages", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// GetMessage fetches a message by ID, including soft-deleted ones (the
// caller decides whether to surface deleted content).
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE message_id = ?
	`, messageID)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, brokererr.New(brokererr.KindNotFound, "store.GetMessage", err)
	}
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.GetMessage", err)
	}
	return m, nil
}

// ListMessagesByChannel returns messages in a channel, newest first,
// excluding soft-deleted rows, bounded by limit.
func (s *Store) ListMessagesByChannel(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE channel_id = ? AND deleted = 0
		ORDER BY created_at DESC LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListMessagesByChannel", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// SoftDeleteMessage flags a message as deleted without removing its row
// (spec restricts edit/delete semantics to a soft-delete flag, §1).
func (s *Store) SoftDeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1, deleted_at = ? WHERE message_id = ? AND deleted = 0`,
		nowRFC3339(), messageID,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.SoftDeleteMessage", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.New(brokererr.KindNotFound, "store.SoftDeleteMessage", fmt.Errorf("message %s not found or already deleted", messageID))
	}
	return nil
}

// FetchMessagesByIDs returns messages for a set of IDs, in no particular
// order — used by internal/search to hydrate vector-index hits back into
// full rows.
func (s *Store) FetchMessagesByIDs(ctx context.Context, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	query := fmt.Sprintf(`
		SELECT `+messageColumns+`
		FROM messages WHERE message_id IN (%s) AND deleted = 0
	`, string(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.FetchMessagesByIDs", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// QueryMessagesSQL runs a relational filter-only search: an arbitrary
// WHERE fragment (compiled by internal/filter.ToSQL) over an optional
// set of candidate channels, ordered by (timestamp desc, confidence
// desc) per §4.5's filter-only mode.
func (s *Store) QueryMessagesSQL(ctx context.Context, channelIDs []string, whereSQL string, whereArgs []any, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE deleted = 0`
	args := make([]any, 0, len(whereArgs)+len(channelIDs)+1)

	if len(channelIDs) > 0 {
		placeholders := make([]byte, 0, len(channelIDs)*2)
		for i, id := range channelIDs {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND channel_id IN (%s)", string(placeholders))
	}

	query += " AND (" + whereSQL + ")"
	args = append(args, whereArgs...)
	query += " ORDER BY created_at DESC, confidence DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.QueryMessagesSQL", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.scanMessages", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*Message, error) {
	var m Message
	var threadID, sessionID, deletedAt, authoredBy sql.NullString
	var confidence sql.NullFloat64
	var deleted, disclosed, vectorSynced int
	err := row.Scan(&m.MessageID, &m.ChannelID, &threadID, &m.AgentID, &sessionID, &m.CreatedAt,
		&m.Body, &confidence, &m.Metadata, &deleted, &deletedAt, &authoredBy, &disclosed, &vectorSynced)
	if err != nil {
		return nil, err
	}
	m.ThreadID = threadID.String
	m.SessionID = sessionID.String
	if confidence.Valid {
		v := confidence.Float64
		m.Confidence = &v
	}
	m.Deleted = deleted != 0
	m.DeletedAt = deletedAt.String
	m.AuthoredBy = authoredBy.String
	m.Disclosed = disclosed != 0
	m.VectorSynced = vectorSynced != 0
	return &m, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
