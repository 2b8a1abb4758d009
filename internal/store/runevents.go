package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
)

const runEventColumns = `id, target_id, run_id, ts, kind, actor, payload`

func scanRunEvent(s scanner) (*model.RunEvent, error) {
	var ev model.RunEvent
	var runID sql.NullString
	var payload []byte
	if err := s.Scan(&ev.ID, &ev.TargetID, &runID, &ev.TS, &ev.Kind, &ev.Actor, &payload); err != nil {
		return nil, err
	}
	ev.RunID = strVal(runID)
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

// AppendRunEvent writes one audit record. ID and timestamp are filled when
// empty; the actor defaults to "engine".
func (s *Store) AppendRunEvent(ctx context.Context, ev *model.RunEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = s.now()
	}
	if ev.Actor == "" {
		ev.Actor = "engine"
	}
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (id, target_id, run_id, ts, kind, actor, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.TargetID, nullStr(ev.RunID), ev.TS, ev.Kind, ev.Actor, payload)
	if err != nil {
		return fmt.Errorf("append run event %s: %w", ev.Kind, err)
	}
	return nil
}

// RunEventFilter narrows ListRunEvents.
type RunEventFilter struct {
	RunID string
	Kind  string
	Limit int
}

// ListRunEvents returns a target's audit trail, newest first.
func (s *Store) ListRunEvents(ctx context.Context, targetID string, f RunEventFilter) ([]*model.RunEvent, error) {
	query := `SELECT ` + runEventColumns + ` FROM run_events WHERE target_id = $1`
	args := []any{targetID}
	if f.RunID != "" {
		args = append(args, f.RunID)
		query += fmt.Sprintf(" AND run_id = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []*model.RunEvent
	for rows.Next() {
		ev, err := scanRunEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
