package store

import (
	"context"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// DMPermissionKind is the §3 `permission` field of a dm_permissions row.
type DMPermissionKind string

const (
	DMPermissionAllow DMPermissionKind = "allow"
	DMPermissionBlock DMPermissionKind = "block"
)

// GrantDM records that granter explicitly allows grantee to direct message
// it, overwriting any prior grant or block in that direction. Grants are
// directed: granting X→Y says nothing about Y→X (§4.2).
func (s *Store) GrantDM(ctx context.Context, granter, grantee, grantedBy string) error {
	return s.putDMPermission(ctx, granter, grantee, DMPermissionAllow, grantedBy)
}

// BlockDM records that granter refuses direct messages from grantee,
// overwriting any prior grant or block in that direction.
func (s *Store) BlockDM(ctx context.Context, granter, grantee, grantedBy string) error {
	return s.putDMPermission(ctx, granter, grantee, DMPermissionBlock, grantedBy)
}

func (s *Store) putDMPermission(ctx context.Context, granter, grantee string, kind DMPermissionKind, grantedBy string) error {
	if granter == grantee {
		return brokererr.New(brokererr.KindInvalidArgument, "store.putDMPermission", fmt.Errorf("agent cannot grant a dm permission to itself"))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_permissions (granter_id, grantee_id, permission, granted_at, granted_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(granter_id, grantee_id) DO UPDATE SET
			permission = excluded.permission,
			granted_at = excluded.granted_at,
			granted_by = excluded.granted_by
	`, granter, grantee, string(kind), nowRFC3339(), grantedBy)
	if err != nil {
		return brokererr.New(brokererr.KindConflict, "store.putDMPermission", fmt.Errorf("upsert dm permission: %w", err))
	}
	return nil
}

// RevokeDM withdraws a previously recorded grant or block from granter to
// grantee, returning them to the default (policy-only) eligibility rule.
func (s *Store) RevokeDM(ctx context.Context, granter, grantee string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dm_permissions WHERE granter_id = ? AND grantee_id = ?`,
		granter, grantee,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.RevokeDM", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.New(brokererr.KindNotFound, "store.RevokeDM", fmt.Errorf("no dm permission from %s to %s", granter, grantee))
	}
	return nil
}

// HasDMGrant reports whether granter has extended an explicit allow to
// grantee (not the full §4.2 CanDM eligibility rule — see
// internal/permission for policy and block resolution layered on top of
// this).
func (s *Store) HasDMGrant(ctx context.Context, granter, grantee string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM dm_permissions WHERE granter_id = ? AND grantee_id = ? AND permission = 'allow')`,
		granter, grantee,
	).Scan(&exists)
	if err != nil {
		return false, brokererr.New(brokererr.KindUnavailable, "store.HasDMGrant", err)
	}
	return exists, nil
}
