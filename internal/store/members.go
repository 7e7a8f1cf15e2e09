package store

import (
	"context"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// Member is a row of the channel_members table.
type Member struct {
	ChannelID string
	AgentID   string
	JoinedAt  string
	Role      string
	OptedOut  bool
}

// AddMember joins an agent to a channel, or re-activates a prior
// opted_out membership. Idempotent: joining an existing active member is
// a no-op.
func (s *Store) AddMember(ctx context.Context, channelID, agentID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_members (channel_id, agent_id, joined_at, role, opted_out)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(channel_id, agent_id) DO UPDATE SET opted_out = 0, role = excluded.role
	`, channelID, agentID, nowRFC3339(), role)
	if err != nil {
		return brokererr.New(brokererr.KindConflict, "store.AddMember", fmt.Errorf("insert membership: %w", err))
	}
	return nil
}

// RemoveMember marks a membership opted_out rather than deleting the row,
// preserving history for the discovery/eligibility rules the reconciler
// consults (a "prior opted_out" channel is never silently re-joined by a
// later declarative sync, §4.8).
func (s *Store) RemoveMember(ctx context.Context, channelID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_members SET opted_out = 1 WHERE channel_id = ? AND agent_id = ? AND opted_out = 0`,
		channelID, agentID,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.RemoveMember", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.New(brokererr.KindNotFound, "store.RemoveMember", fmt.Errorf("membership %s/%s not found", channelID, agentID))
	}
	return nil
}

// IsMember reports whether an agent has an active (non-opted-out)
// membership in a channel.
func (s *Store) IsMember(ctx context.Context, channelID, agentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = ? AND agent_id = ? AND opted_out = 0)`,
		channelID, agentID,
	).Scan(&exists)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "store.IsMember", err)
	}
	return exists, nil
}

// ListMembers returns every active member of a channel.
func (s *Store) ListMembers(ctx context.Context, channelID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, agent_id, joined_at, role, opted_out
		FROM channel_members WHERE channel_id = ? AND opted_out = 0
		ORDER BY joined_at
	`, channelID)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListMembers", err)
	}
	defer func() { _ = rows.Close() }()

	var members []*Member
	for rows.Next() {
		var m Member
		var optedOut int
		if err := rows.Scan(&m.ChannelID, &m.AgentID, &m.JoinedAt, &m.Role, &optedOut); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.ListMembers", err)
		}
		m.OptedOut = optedOut != 0
		members = append(members, &m)
	}
	return members, rows.Err()
}

// ListMembershipsByAgent returns every channel_id an agent actively
// belongs to.
func (s *Store) ListMembershipsByAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM channel_members WHERE agent_id = ? AND opted_out = 0`,
		agentID,
	)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListMembershipsByAgent", err)
	}
	defer func() { _ = rows.Close() }()

	var channelIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.ListMembershipsByAgent", err)
		}
		channelIDs = append(channelIDs, id)
	}
	return channelIDs, rows.Err()
}

// HasEverJoined reports whether an agent has ever had a membership row
// (active or opted out) for a channel — used by the reconciler to
// distinguish "never joined" (eligible for auto-join) from "left on
// purpose" (never re-joined automatically).
func (s *Store) HasEverJoined(ctx context.Context, channelID, agentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = ? AND agent_id = ?)`,
		channelID, agentID,
	).Scan(&exists)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "store.HasEverJoined", err)
	}
	return exists, nil
}
