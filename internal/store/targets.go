package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
)

const targetColumns = `id, name, root_domain, scope, created_at, updated_at`

func scanTarget(s scanner) (*model.Target, error) {
	var t model.Target
	var scope []byte
	if err := s.Scan(&t.ID, &t.Name, &t.RootDomain, &scope, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Scope = json.RawMessage(scope)
	return &t, nil
}

// CreateTarget registers a monitoring target. The scope document is stored
// verbatim; callers validate it with scope.Parse first.
func (s *Store) CreateTarget(ctx context.Context, name, rootDomain string, scope json.RawMessage) (*model.Target, error) {
	if len(scope) == 0 {
		scope = json.RawMessage(`{}`)
	}
	now := s.now()
	t := &model.Target{
		ID:         uuid.NewString(),
		Name:       name,
		RootDomain: rootDomain,
		Scope:      scope,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, name, root_domain, scope, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.RootDomain, []byte(t.Scope), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, fmt.Errorf("target for %s: %w", rootDomain, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create target: %w", err)
	}
	return t, nil
}

// UpdateTargetScope replaces the target's scope document.
func (s *Store) UpdateTargetScope(ctx context.Context, id string, scope json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET scope = $2, updated_at = $3 WHERE id = $1`,
		id, []byte(scope), s.now())
	if err != nil {
		return fmt.Errorf("update target scope: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetTarget fetches one target by id.
func (s *Store) GetTarget(ctx context.Context, id string) (*model.Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("target %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListTargets returns all targets, newest first.
func (s *Store) ListTargets(ctx context.Context) ([]*model.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []*model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
