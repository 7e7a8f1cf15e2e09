package store

import (
	"context"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// ProjectLink is a row of the project_links table.
type ProjectLink struct {
	ProjectA string
	ProjectB string
	LinkedAt string
	LinkedBy string
	Unlinked bool
}

// LinkProjects grants cross-project discovery/DM eligibility between two
// projects, backing the administrative `link` CLI command (§6).
func (s *Store) LinkProjects(ctx context.Context, projectX, projectY, linkedBy string) error {
	a, b := orderedPair(projectX, projectY)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_links (project_a, project_b, linked_at, linked_by, unlinked)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(project_a, project_b) DO UPDATE SET unlinked = 0, linked_at = excluded.linked_at, linked_by = excluded.linked_by
	`, a, b, nowRFC3339(), linkedBy)
	if err != nil {
		return brokererr.New(brokererr.KindConflict, "store.LinkProjects", fmt.Errorf("insert project link: %w", err))
	}
	return nil
}

// UnlinkProjects withdraws a cross-project link, backing the `unlink` CLI
// command.
func (s *Store) UnlinkProjects(ctx context.Context, projectX, projectY string) error {
	a, b := orderedPair(projectX, projectY)
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_links SET unlinked = 1, unlinked_at = ? WHERE project_a = ? AND project_b = ? AND unlinked = 0`,
		nowRFC3339(), a, b,
	)
	if err != nil {
		return brokererr.New(brokererr.KindUnavailable, "store.UnlinkProjects", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return brokererr.New(brokererr.KindNotFound, "store.UnlinkProjects", fmt.Errorf("no active link between %s and %s", projectX, projectY))
	}
	return nil
}

// ListProjectLinks returns every link involving a project, active or not —
// backing the `status`/`list` CLI commands.
func (s *Store) ListProjectLinks(ctx context.Context, projectHash string) ([]*ProjectLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_a, project_b, linked_at, linked_by, unlinked
		FROM project_links WHERE project_a = ? OR project_b = ?
		ORDER BY linked_at
	`, projectHash, projectHash)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListProjectLinks", err)
	}
	defer func() { _ = rows.Close() }()

	var links []*ProjectLink
	for rows.Next() {
		var l ProjectLink
		var unlinked int
		if err := rows.Scan(&l.ProjectA, &l.ProjectB, &l.LinkedAt, &l.LinkedBy, &unlinked); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.ListProjectLinks", err)
		}
		l.Unlinked = unlinked != 0
		links = append(links, &l)
	}
	return links, rows.Err()
}
