package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/claude-slack/broker/internal/brokererr"
)

// Project is a row of the projects table.
type Project struct {
	ProjectHash string
	RootPath    string
	DisplayName string
	CreatedAt   string
}

// EnsureProject inserts the project if it does not already exist, and
// returns the existing or newly created row. Project identity is derived
// from the root path's content hash (identity.ProjectHash), so this is the
// idiomatic "get or create" entry point every project-scoped operation
// calls first.
func (s *Store) EnsureProject(ctx context.Context, projectHash, rootPath, displayName string) (*Project, error) {
	existing, err := s.GetProject(ctx, projectHash)
	if err == nil {
		return existing, nil
	}
	if !brokererr.Is(err, brokererr.KindNotFound) {
		return nil, err
	}

	now := nowRFC3339()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (project_hash, root_path, display_name, created_at) VALUES (?, ?, ?, ?)`,
		projectHash, rootPath, displayName, now,
	)
	if err != nil {
		return nil, brokererr.New(brokererr.KindConflict, "store.EnsureProject", fmt.Errorf("insert project: %w", err))
	}
	return &Project{ProjectHash: projectHash, RootPath: rootPath, DisplayName: displayName, CreatedAt: now}, nil
}

// GetProject fetches a project by its hash.
func (s *Store) GetProject(ctx context.Context, projectHash string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT project_hash, root_path, display_name, created_at FROM projects WHERE project_hash = ?`,
		projectHash,
	).Scan(&p.ProjectHash, &p.RootPath, &p.DisplayName, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, brokererr.New(brokererr.KindNotFound, "store.GetProject", err)
	}
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.GetProject", err)
	}
	return &p, nil
}

// ListProjects returns every known project.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_hash, root_path, display_name, created_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, brokererr.New(brokererr.KindUnavailable, "store.ListProjects", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ProjectHash, &p.RootPath, &p.DisplayName, &p.CreatedAt); err != nil {
			return nil, brokererr.New(brokererr.KindIntegrity, "store.ListProjects", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}
