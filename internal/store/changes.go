package store

import (
	"context"
	"fmt"

	"github.com/marcus-qen/driftwatch/internal/model"
)

// StaleCandidate is one artifact the change detector marked stale, together
// with the verification job enqueued for it.
type StaleCandidate struct {
	Kind  string `json:"kind"` // asset | service
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"` // asset type
	Value string `json:"value"`
	JobID string `json:"job_id"`
}

// ChangeDetection reports what DetectChanges staled and enqueued.
type ChangeDetection struct {
	StaleAssets   []StaleCandidate
	StaleServices []StaleCandidate
}

// DetectChanges runs the persistence half of change detection in one
// transaction: every active artifact of the target not seen by this run,
// of a type the run actually probed, flips to stale with status_reason
// not_seen_in_run:<run>, and a verification job is enqueued for it at
// verify priority, attached to the run.
//
// Subdomains are always candidates (the chain only reaches change detection
// after discovery and resolution). URL assets are candidates only when an
// HTTP probe completed this run, services only when a port scan did;
// absence cannot be claimed by a probe that never ran.
func (s *Store) DetectChanges(ctx context.Context, targetID, runID string, urlsProbed, portsScanned bool) (*ChangeDetection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin change detection: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := &ChangeDetection{}
	reason := model.StaleReason(runID)

	rows, err := tx.QueryContext(ctx,
		`UPDATE assets SET status = 'stale', status_reason = $4
		 WHERE target_id = $1 AND status = 'active' AND last_seen_run_id <> $2
		   AND (type = 'subdomain' OR (type = 'url' AND $3))
		 RETURNING id, type, normalized`,
		targetID, runID, urlsProbed, reason)
	if err != nil {
		return nil, fmt.Errorf("stale assets: %w", err)
	}
	for rows.Next() {
		var c StaleCandidate
		c.Kind = "asset"
		if err := rows.Scan(&c.ID, &c.Type, &c.Value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale asset: %w", err)
		}
		out.StaleAssets = append(out.StaleAssets, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if portsScanned {
		rows, err = tx.QueryContext(ctx,
			`UPDATE services SET status = 'stale', status_reason = $3
			 FROM assets a
			 WHERE services.target_id = $1 AND services.status = 'active'
			   AND services.last_seen_run_id <> $2 AND a.id = services.asset_id
			 RETURNING services.id, a.normalized, services.port, services.proto`,
			targetID, runID, reason)
		if err != nil {
			return nil, fmt.Errorf("stale services: %w", err)
		}
		for rows.Next() {
			var c StaleCandidate
			var host, proto string
			var port int
			c.Kind = "service"
			if err := rows.Scan(&c.ID, &host, &port, &proto); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan stale service: %w", err)
			}
			c.Value = fmt.Sprintf("%s:%d/%s", host, port, proto)
			out.StaleServices = append(out.StaleServices, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	for i := range out.StaleAssets {
		j, err := s.enqueue(ctx, tx, NewJob{
			Type:     model.JobTypeVerifyAsset,
			TargetID: targetID,
			RunID:    runID,
			Payload:  map[string]string{"asset_id": out.StaleAssets[i].ID},
			Priority: model.PriorityVerify,
		})
		if err != nil {
			return nil, err
		}
		out.StaleAssets[i].JobID = j.ID
	}
	for i := range out.StaleServices {
		j, err := s.enqueue(ctx, tx, NewJob{
			Type:     model.JobTypeVerifyService,
			TargetID: targetID,
			RunID:    runID,
			Payload:  map[string]string{"service_id": out.StaleServices[i].ID},
			Priority: model.PriorityVerify,
		})
		if err != nil {
			return nil, err
		}
		out.StaleServices[i].JobID = j.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit change detection: %w", err)
	}
	return out, nil
}

// ChangeReport is the /changes view for one run: what appeared, what is
// awaiting verification, and what verification has confirmed gone.
type ChangeReport struct {
	RunID            string         `json:"run_id"`
	NewAssets        []*model.Asset `json:"new_assets"`
	NewServices      []*ServiceRow  `json:"new_services"`
	PendingAssets    []*model.Asset `json:"pending_assets"`
	PendingServices  []*ServiceRow  `json:"pending_services"`
	UnresolvedAssets []*model.Asset `json:"unresolved_assets"`
	ClosedServices   []*ServiceRow  `json:"closed_services"`
	Counts           map[string]int `json:"counts"`
}

// ChangesForRun builds the change report for one run of a target.
func (s *Store) ChangesForRun(ctx context.Context, targetID, runID string) (*ChangeReport, error) {
	rep := &ChangeReport{RunID: runID}
	reason := model.StaleReason(runID)

	var err error
	rep.NewAssets, err = s.queryAssets(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND first_seen_run_id = $2 ORDER BY normalized`,
		targetID, runID)
	if err != nil {
		return nil, err
	}
	rep.PendingAssets, err = s.queryAssets(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND status = 'stale' AND status_reason = $2 ORDER BY normalized`,
		targetID, reason)
	if err != nil {
		return nil, err
	}
	rep.UnresolvedAssets, err = s.queryAssets(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND status = 'unresolved' AND status_reason = $2 ORDER BY normalized`,
		targetID, reason)
	if err != nil {
		return nil, err
	}

	rep.NewServices, err = s.queryServiceRows(ctx,
		`SELECT `+serviceColumns+`, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id
		 WHERE s.target_id = $1 AND s.first_seen_run_id = $2 ORDER BY a.normalized, s.port`,
		targetID, runID)
	if err != nil {
		return nil, err
	}
	rep.PendingServices, err = s.queryServiceRows(ctx,
		`SELECT `+serviceColumns+`, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id
		 WHERE s.target_id = $1 AND s.status = 'stale' AND s.status_reason = $2
		 ORDER BY a.normalized, s.port`,
		targetID, reason)
	if err != nil {
		return nil, err
	}
	rep.ClosedServices, err = s.queryServiceRows(ctx,
		`SELECT `+serviceColumns+`, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id
		 WHERE s.target_id = $1 AND s.status = 'closed' AND s.status_reason = $2
		 ORDER BY a.normalized, s.port`,
		targetID, reason)
	if err != nil {
		return nil, err
	}

	rep.Counts = map[string]int{
		"new_assets":        len(rep.NewAssets),
		"new_services":      len(rep.NewServices),
		"pending_assets":    len(rep.PendingAssets),
		"pending_services":  len(rep.PendingServices),
		"unresolved_assets": len(rep.UnresolvedAssets),
		"closed_services":   len(rep.ClosedServices),
	}
	return rep, nil
}

func (s *Store) queryAssets(ctx context.Context, query string, args ...any) ([]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

func (s *Store) queryServiceRows(ctx context.Context, query string, args ...any) ([]*ServiceRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()
	return collectServiceRows(rows)
}
