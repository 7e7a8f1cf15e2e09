package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// DMPolicy is an agent's §3 `dm_policy` field: how directly it may be
// addressed by other agents' CanDM checks (§4.2).
type DMPolicy string

const (
	DMPolicyOpen       DMPolicy = "open"
	DMPolicyRestricted DMPolicy = "restricted"
	DMPolicyClosed     DMPolicy = "closed"
)

// Discoverability is an agent's §3 `discoverable` field: who may see it
// in the §4.2 discovery query.
type Discoverability string

const (
	DiscoverabilityPublic  Discoverability = "public"
	DiscoverabilityProject Discoverability = "project"
	DiscoverabilityPrivate Discoverability = "private"
)

// Agent is a row of the agents table.
type Agent struct {
	AgentID      string
	ProjectHash  string
	Role         string
	DisplayName  string
	DMPolicy     DMPolicy
	Discoverable Discoverability
	RegisteredAt string
	LastSeenAt   string
}

// RegisterAgent creates or re-activates an agent identity. Re-registering
// an existing agent_id updates its role/display_name/dm_policy/discoverable
// fields rather than erroring, matching the provisioning reconciler's
// idempotent apply semantics (§4.8). An empty dmPolicy/discoverable
// defaults to "open"/"public", the spec's least-restrictive defaults.
func (s *Store) RegisterAgent(ctx context.Context, agentID, projectHash, role, displayName string, dmPolicy DMPolicy, discoverable Discoverability) (*Agent, error) {
	if dmPolicy == "" {
		dmPolicy = DMPolicyOpen
	}
	if discoverable == "" {
		discoverable = DiscoverabilityPublic
	}
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, project_hash, role, display_name, dm_policy, discoverable, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			role = excluded.role,
			display_name = excluded.display_name,
			dm_policy = excluded.dm_policy,
			discoverable = excluded.discoverable,
			last_seen_at = excluded.last_seen_at
	`, agentID, projectHash, role, displayName, string(dmPolicy), string(discoverable), now, now)
	if err != nil {
		return nil, brokererr.New(brokererr.KindConflict, "store.RegisterAgent", fmt.Errorf("upsert agent: %w", err))
	}
	return s.GetAgent(ctx, agentID)
}

// TouchLastSeen updates an agent's last_seen_at timestamp.
func (s *Store) TouchLastSeen(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE agent_id = ?`, nowRFC3339(), agentID)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.TouchLastSeen", err)
	}
	return nil
}

// GetAgent fetches an agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	var dmPolicy, discoverable string
	var lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, project_hash, role, display_name, dm_policy, discoverable, registered_at, last_seen_at
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&a.AgentID, &a.ProjectHash, &a.Role, &a.DisplayName, &dmPolicy, &discoverable, &a.RegisteredAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, brokererr.New(brokererr.KindNotFound, "store.GetAgent", err)
	}
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.GetAgent", err)
	}
	a.DMPolicy = DMPolicy(dmPolicy)
	a.Discoverable = Discoverability(discoverable)
	a.LastSeenAt = lastSeen.String
	return &a, nil
}

// ListAgentsByProject returns every agent registered under a project.
func (s *Store) ListAgentsByProject(ctx context.Context, projectHash string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, project_hash, role, display_name, dm_policy, discoverable, registered_at, last_seen_at
		FROM agents WHERE project_hash = ? ORDER BY registered_at
	`, projectHash)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListAgentsByProject", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		var dmPolicy, discoverable string
		var lastSeen sql.NullString
		if err := rows.Scan(&a.AgentID, &a.ProjectHash, &a.Role, &a.DisplayName, &dmPolicy, &discoverable, &a.RegisteredAt, &lastSeen); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.ListAgentsByProject", err)
		}
		a.DMPolicy = DMPolicy(dmPolicy)
		a.Discoverable = Discoverability(discoverable)
		a.LastSeenAt = lastSeen.String
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}
