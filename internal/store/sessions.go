package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// Session is a row of the sessions table.
type Session struct {
	SessionID string
	AgentID   string
	Token     string
	StartedAt string
	EndedAt   string
	LastSeq   int64
}

// CreateSession opens a new session for an agent.
func (s *Store) CreateSession(ctx context.Context, sessionID, agentID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, agent_id, token, started_at, last_seq) VALUES (?, ?, ?, ?, 0)`,
		sessionID, agentID, token, nowRFC3339(),
	)
	if err != nil {
		return brokererr.New(brokererr.KindConflict, "store.CreateSession", fmt.Errorf("insert session: %w", err))
	}
	return nil
}

// EndSession marks a session ended.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, nowRFC3339(), sessionID)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.EndSession", err)
	}
	return nil
}

// UpdateLastSeq records the last event sequence a session has seen in
// sessions.last_seq. The event stream does not read it back: seq restarts
// at 1 on every connection, and a reconnecting subscriber cannot resume
// from a last-seen seq.
func (s *Store) UpdateLastSeq(ctx context.Context, sessionID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seq = ? WHERE session_id = ?`, seq, sessionID)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.UpdateLastSeq", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var endedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, agent_id, token, started_at, ended_at, last_seq FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&sess.SessionID, &sess.AgentID, &sess.Token, &sess.StartedAt, &endedAt, &sess.LastSeq)
	if err == sql.ErrNoRows {
		return nil, brokererr.New(brokererr.KindNotFound, "store.GetSession", err)
	}
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.GetSession", err)
	}
	sess.EndedAt = endedAt.String
	return &sess, nil
}

// RecordToolCall inserts a tool_calls row, attributing it to a session.
func (s *Store) RecordToolCall(ctx context.Context, toolCallID, sessionID, agentID, toolName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (tool_call_id, session_id, agent_id, tool_name, started_at, status) VALUES (?, ?, ?, ?, ?, 'running')`,
		toolCallID, sessionID, agentID, toolName, nowRFC3339(),
	)
	if err != nil {
		return brokererr.New(brokererr.KindConflict, "store.RecordToolCall", fmt.Errorf("insert tool call: %w", err))
	}
	return nil
}

// FinishToolCall records a tool call's terminal status.
func (s *Store) FinishToolCall(ctx context.Context, toolCallID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET ended_at = ?, status = ? WHERE tool_call_id = ?`,
		nowRFC3339(), status, toolCallID,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.FinishToolCall", err)
	}
	return nil
}
