package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/identity"
)

// Channel is a row of the channels table.
type Channel struct {
	ChannelRowID string
	ChannelID    string
	ChannelKind  string
	ProjectHash  string
	Name         string
	CreatedAt    string
	CreatedBy    string
	Archived     bool
	ArchivedAt   string
	NeverDefault bool
}

// CreateChannel creates a channel, deriving its channel_kind from the
// channel_id grammar (identity.ClassifyChannel). Creating a channel that
// already exists by channel_id returns the existing row rather than
// conflicting, since global/DM/notes channels are frequently
// auto-provisioned the first time they are referenced (§4.1 "auto-create
// on first message").
func (s *Store) CreateChannel(ctx context.Context, channelID, name, projectHash, createdBy string, neverDefault bool) (*Channel, error) {
	if existing, err := s.GetChannelByChannelID(ctx, channelID); err == nil {
		return existing, nil
	} else if !brokererr.Is(err, brokererr.KindNotFound) {
		return nil, err
	}

	rowID := identity.GenerateChannelInternalID()
	now := nowRFC3339()
	kind := string(identity.ClassifyChannel(channelID))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_rowid, channel_id, channel_kind, project_hash, name, created_at, created_by, never_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rowID, channelID, kind, projectHash, name, now, createdBy, boolToInt(neverDefault))
	if err != nil {
		return nil, brokererr.New(brokererr.KindConflict, "store.CreateChannel", fmt.Errorf("insert channel: %w", err))
	}

	return &Channel{
		ChannelRowID: rowID, ChannelID: channelID, ChannelKind: kind,
		ProjectHash: projectHash, Name: name, CreatedAt: now, CreatedBy: createdBy,
		NeverDefault: neverDefault,
	}, nil
}

// GetChannelByChannelID fetches a channel by its human-facing channel_id.
func (s *Store) GetChannelByChannelID(ctx context.Context, channelID string) (*Channel, error) {
	return s.scanChannel(ctx, `
		SELECT channel_rowid, channel_id, channel_kind, project_hash, name, created_at, created_by, archived, archived_at, never_default
		FROM channels WHERE channel_id = ?
	`, channelID)
}

func (s *Store) scanChannel(ctx context.Context, query string, arg any) (*Channel, error) {
	var c Channel
	var projectHash, archivedAt sql.NullString
	var archived, neverDefault int
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&c.ChannelRowID, &c.ChannelID, &c.ChannelKind, &projectHash, &c.Name,
		&c.CreatedAt, &c.CreatedBy, &archived, &archivedAt, &neverDefault,
	)
	if err == sql.ErrNoRows {
		return nil, brokererr.New(brokererr.KindNotFound, "store.GetChannel", err)
	}
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.GetChannel", err)
	}
	c.ProjectHash = projectHash.String
	c.Archived = archived != 0
	c.ArchivedAt = archivedAt.String
	c.NeverDefault = neverDefault != 0
	return &c, nil
}

// ArchiveChannel marks a channel archived. Archived channels reject new
// messages and joins (§4.1). permission.VisibleChannels leaves archived
// channels out, so a permission-scoped search does not return their
// messages; the unscoped search.Engine.Search still does.
func (s *Store) ArchiveChannel(ctx context.Context, channelID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET archived = 1, archived_at = ? WHERE channel_id = ? AND archived = 0`,
		nowRFC3339(), channelID,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.ArchiveChannel", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.New(brokererr.KindNotFound, "store.ArchiveChannel", fmt.Errorf("channel %s not found or already archived", channelID))
	}
	return nil
}

// ListChannelsByProject returns non-archived channels visible to a project
// (global + that project's own proj_ channels). This is a raw listing, not
// permission-scoped; internal/permission.VisibleChannels answers the
// membership-scoped question with its own query.
func (s *Store) ListChannelsByProject(ctx context.Context, projectHash string) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_rowid, channel_id, channel_kind, project_hash, name, created_at, created_by, archived, archived_at, never_default
		FROM channels
		WHERE archived = 0 AND (channel_kind = 'global' OR project_hash = ?)
		ORDER BY created_at
	`, projectHash)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListChannelsByProject", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*Channel
	for rows.Next() {
		var c Channel
		var projectHashNS, archivedAt sql.NullString
		var archived, neverDefault int
		if err := rows.Scan(&c.ChannelRowID, &c.ChannelID, &c.ChannelKind, &projectHashNS, &c.Name,
			&c.CreatedAt, &c.CreatedBy, &archived, &archivedAt, &neverDefault); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.ListChannelsByProject", err)
		}
		c.ProjectHash = projectHashNS.String
		c.Archived = archived != 0
		c.ArchivedAt = archivedAt.String
		c.NeverDefault = neverDefault != 0
		channels = append(channels, &c)
	}
	return channels, rows.Err()
}
