// Package permission implements the broker's three permission primitives
// (§4.2): which channels an agent can see, whether two agents may direct
// message each other, and whether an agent is discoverable to another.
// VisibleChannels queries channels and channel_members directly,
// Discoverable queries the agent_discovery view internal/schema defines,
// and CanDM runs up to four queries against agents and dm_permissions.
// There is no caching layer, so every call reflects the current state.
package permission

import (
	"context"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
	"github.com/claude-slack/broker/internal/safedb"
)

// Resolver answers the broker's permission questions against a shared
// connection pool. It holds no state of its own, mirroring the teacher's
// groups.Resolver shape (a thin wrapper with narrowly-scoped query methods).
type Resolver struct {
	db *safedb.DB
}

// New creates a permission Resolver.
func New(db *safedb.DB) *Resolver {
	return &Resolver{db: db}
}

// VisibleChannels returns the channel_ids an agent may see: every
// non-archived channel it holds a non-opted-out membership row for.
// Membership is the sole carrier of access (§3) — a global channel an
// agent has opted out of is not returned just because it is global.
func (r *Resolver) VisibleChannels(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT c.channel_id
		FROM channels c
		JOIN channel_members cm ON cm.channel_id = c.channel_id
		WHERE c.archived = 0 AND cm.agent_id = ? AND cm.opted_out = 0
	`, agentID)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "permission.VisibleChannels", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "permission.VisibleChannels", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CanDM reports whether agentA may direct message agentB, per §4.2:
// neither direction has a block; neither party's policy is closed; if
// agentB's policy is restricted, an allow grant from B to A must exist
// (likewise if agentA's policy is restricted). Two open policies with
// no block need no explicit grant.
func (r *Resolver) CanDM(ctx context.Context, agentA, agentB string) (bool, error) {
	if agentA == agentB {
		return false, brokererr.New(brokererr.KindInvalidArgument, "permission.CanDM", fmt.Errorf("agent cannot DM itself"))
	}

	var policyA, policyB string
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT dm_policy FROM agents WHERE agent_id = ?), 'closed'),
			COALESCE((SELECT dm_policy FROM agents WHERE agent_id = ?), 'closed')
	`, agentA, agentB).Scan(&policyA, &policyB)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "permission.CanDM", err)
	}
	if policyA == "closed" || policyB == "closed" {
		return false, nil
	}

	var blocked bool
	err = r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM dm_permissions
			WHERE permission = 'block'
			AND ((granter_id = ? AND grantee_id = ?) OR (granter_id = ? AND grantee_id = ?))
		)
	`, agentA, agentB, agentB, agentA).Scan(&blocked)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "permission.CanDM", err)
	}
	if blocked {
		return false, nil
	}

	if policyB == "restricted" {
		allowed, err := r.hasAllowGrant(ctx, agentB, agentA)
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}
	if policyA == "restricted" {
		allowed, err := r.hasAllowGrant(ctx, agentA, agentB)
		if err != nil {
			return false, err
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// hasAllowGrant reports whether granter has extended an explicit allow
// to grantee.
func (r *Resolver) hasAllowGrant(ctx context.Context, granter, grantee string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dm_permissions WHERE granter_id = ? AND grantee_id = ? AND permission = 'allow')`,
		granter, grantee,
	).Scan(&exists)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "permission.hasAllowGrant", err)
	}
	return exists, nil
}

// Discoverable reports whether target is discoverable to viewer, via the
// agent_discovery view (same project, or cross-project via an active
// project_links grant, gated on the target's own discoverable flag).
func (r *Resolver) Discoverable(ctx context.Context, viewer, target string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM agent_discovery WHERE viewer = ? AND target = ?)`,
		viewer, target,
	).Scan(&exists)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "permission.Discoverable", err)
	}
	return exists, nil
}
