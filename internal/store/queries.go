package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus-qen/driftwatch/internal/model"
)

const assetColumns = `id, target_id, type, value, normalized, status, status_reason,
	first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at,
	verified_at, verified_run_id`

func scanAsset(s scanner) (*model.Asset, error) {
	var a model.Asset
	var reason, verifiedRun sql.NullString
	var verifiedAt sql.NullTime
	err := s.Scan(&a.ID, &a.TargetID, &a.Type, &a.Value, &a.Normalized, &a.Status,
		&reason, &a.FirstSeenRunID, &a.LastSeenRunID, &a.FirstSeenAt, &a.LastSeenAt,
		&verifiedAt, &verifiedRun)
	if err != nil {
		return nil, err
	}
	a.StatusReason = strVal(reason)
	a.VerifiedAt = timePtr(verifiedAt)
	a.VerifiedRunID = strVal(verifiedRun)
	return &a, nil
}

const serviceColumns = `s.id, s.target_id, s.asset_id, s.port, s.proto, s.name, s.product,
	s.version, s.status, s.status_reason, s.first_seen_run_id, s.last_seen_run_id,
	s.first_seen_at, s.last_seen_at, s.verified_at, s.verified_run_id`

// ServiceRow is a service joined with its owning asset's normalized value.
type ServiceRow struct {
	model.Service
	Host string `json:"host"`
}

func scanServiceRow(s scanner) (*ServiceRow, error) {
	var r ServiceRow
	var name, product, version, reason, verifiedRun sql.NullString
	var verifiedAt sql.NullTime
	err := s.Scan(&r.ID, &r.TargetID, &r.AssetID, &r.Port, &r.Proto, &name, &product,
		&version, &r.Status, &reason, &r.FirstSeenRunID, &r.LastSeenRunID,
		&r.FirstSeenAt, &r.LastSeenAt, &verifiedAt, &verifiedRun, &r.Host)
	if err != nil {
		return nil, err
	}
	r.Name = strVal(name)
	r.Product = strVal(product)
	r.Version = strVal(version)
	r.StatusReason = strVal(reason)
	r.VerifiedAt = timePtr(verifiedAt)
	r.VerifiedRunID = strVal(verifiedRun)
	return &r, nil
}

// GetAsset fetches one asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// GetAssetByKey fetches one asset by its unique (target, type, normalized) key.
func (s *Store) GetAssetByKey(ctx context.Context, targetID, typ, normalized string) (*model.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND type = $2 AND normalized = $3`, targetID, typ, normalized)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s %s: %w", typ, normalized, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset by key: %w", err)
	}
	return a, nil
}

// GetServiceRow fetches one service joined with its host asset.
func (s *Store) GetServiceRow(ctx context.Context, id string) (*ServiceRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+`, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id
		 WHERE s.id = $1`, id)
	r, err := scanServiceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return r, nil
}

// AssetFilter narrows ListAssets.
type AssetFilter struct {
	Type   string
	Status string
	Limit  int
}

// ListAssets returns a target's assets, most recently seen first.
func (s *Store) ListAssets(ctx context.Context, targetID string, f AssetFilter) ([]*model.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets`
	conds := []string{"target_id = $1"}
	args := []any{targetID}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += " WHERE " + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY last_seen_at DESC, normalized ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

func collectAssets(rows *sql.Rows) ([]*model.Asset, error) {
	var out []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ServiceFilter narrows ListServices.
type ServiceFilter struct {
	Status string
	Limit  int
}

// ListServices returns a target's services with their host values.
func (s *Store) ListServices(ctx context.Context, targetID string, f ServiceFilter) ([]*ServiceRow, error) {
	query := `SELECT ` + serviceColumns + `, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id`
	conds := []string{"s.target_id = $1"}
	args := []any{targetID}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("s.status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += " WHERE " + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY s.last_seen_at DESC, s.port ASC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	return collectServiceRows(rows)
}

func collectServiceRows(rows *sql.Rows) ([]*ServiceRow, error) {
	var out []*ServiceRow
	for rows.Next() {
		r, err := scanServiceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EdgeRow is an edge joined with both endpoints' normalized values.
type EdgeRow struct {
	model.Edge
	From string `json:"from"`
	To   string `json:"to"`
}

// ListEdges returns a target's edges with endpoint values.
func (s *Store) ListEdges(ctx context.Context, targetID string, limit int) ([]*EdgeRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.target_id, e.from_asset_id, e.to_asset_id, e.rel_type,
		        e.first_seen_run_id, e.last_seen_run_id, e.first_seen_at, e.last_seen_at,
		        fa.normalized, ta.normalized
		 FROM edges e
		 JOIN assets fa ON fa.id = e.from_asset_id
		 JOIN assets ta ON ta.id = e.to_asset_id
		 WHERE e.target_id = $1
		 ORDER BY e.last_seen_at DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var out []*EdgeRow
	for rows.Next() {
		var r EdgeRow
		if err := rows.Scan(&r.ID, &r.TargetID, &r.FromAssetID, &r.ToAssetID, &r.RelType,
			&r.FirstSeenRunID, &r.LastSeenRunID, &r.FirstSeenAt, &r.LastSeenAt,
			&r.From, &r.To); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

const findingColumns = `id, target_id, run_id, scan_id, asset_id, severity, title,
	description, impact, evidence, remediation, remediation_example, url, cve,
	cvss_score, created_at`

func scanFinding(s scanner) (*model.Finding, error) {
	var f model.Finding
	var runID, scanID, assetID, desc, impact, evidence, rem, remEx, url, cve sql.NullString
	var cvss sql.NullFloat64
	err := s.Scan(&f.ID, &f.TargetID, &runID, &scanID, &assetID, &f.Severity, &f.Title,
		&desc, &impact, &evidence, &rem, &remEx, &url, &cve, &cvss, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.RunID = strVal(runID)
	f.ScanID = strVal(scanID)
	f.AssetID = strVal(assetID)
	f.Description = strVal(desc)
	f.Impact = strVal(impact)
	f.Evidence = strVal(evidence)
	f.Remediation = strVal(rem)
	f.RemediationExample = strVal(remEx)
	f.URL = strVal(url)
	f.CVE = strVal(cve)
	if cvss.Valid {
		f.CVSSScore = cvss.Float64
	}
	return &f, nil
}

// FindingFilter narrows ListFindings.
type FindingFilter struct {
	Severity string
	RunID    string
	Limit    int
}

// ListFindings returns a target's findings, newest first.
func (s *Store) ListFindings(ctx context.Context, targetID string, f FindingFilter) ([]*model.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings`
	conds := []string{"target_id = $1"}
	args := []any{targetID}
	if f.Severity != "" {
		args = append(args, f.Severity)
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if f.RunID != "" {
		args = append(args, f.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += " WHERE " + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()
	return collectFindings(rows)
}

func collectFindings(rows *sql.Rows) ([]*model.Finding, error) {
	var out []*model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListAssetsSeenInRun returns assets of one type last seen in the given run.
func (s *Store) ListAssetsSeenInRun(ctx context.Context, targetID, runID, typ string) ([]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND last_seen_run_id = $2 AND type = $3
		 ORDER BY normalized ASC`, targetID, runID, typ)
	if err != nil {
		return nil, fmt.Errorf("list run assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

// RunPortScanIPs selects up to limit IP assets seen in the run as port-scan
// targets: never-scanned addresses first (discovered this run), then the
// most recently active.
func (s *Store) RunPortScanIPs(ctx context.Context, targetID, runID string, limit int) ([]*model.Asset, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND last_seen_run_id = $2 AND type = 'ip'
		 ORDER BY (first_seen_run_id = $2) DESC, last_seen_at DESC, normalized ASC
		 LIMIT $3`, targetID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("port scan targets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

// RunServiceRows returns services last seen in the run with host values,
// used to derive HTTP probe targets.
func (s *Store) RunServiceRows(ctx context.Context, targetID, runID string) ([]*ServiceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+`, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id
		 WHERE s.target_id = $1 AND s.last_seen_run_id = $2
		 ORDER BY a.normalized ASC, s.port ASC`, targetID, runID)
	if err != nil {
		return nil, fmt.Errorf("run services: %w", err)
	}
	defer rows.Close()
	return collectServiceRows(rows)
}

// ResolvedPair is one (name resolves_to address) observation from a run.
type ResolvedPair struct {
	Name      string
	IPAssetID string
	IP        string
}

// RunResolvedPairs returns the resolves_to edges recorded in the run,
// joined to both endpoints.
func (s *Store) RunResolvedPairs(ctx context.Context, targetID, runID string) ([]ResolvedPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fa.normalized, ta.id, ta.normalized
		 FROM edges e
		 JOIN assets fa ON fa.id = e.from_asset_id
		 JOIN assets ta ON ta.id = e.to_asset_id
		 WHERE e.target_id = $1 AND e.rel_type = 'resolves_to' AND e.last_seen_run_id = $2
		 ORDER BY fa.normalized ASC, ta.normalized ASC`, targetID, runID)
	if err != nil {
		return nil, fmt.Errorf("run resolved pairs: %w", err)
	}
	defer rows.Close()

	var out []ResolvedPair
	for rows.Next() {
		var p ResolvedPair
		if err := rows.Scan(&p.Name, &p.IPAssetID, &p.IP); err != nil {
			return nil, fmt.Errorf("scan resolved pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListStaleAssets returns the target's assets awaiting verification.
func (s *Store) ListStaleAssets(ctx context.Context, targetID string) ([]*model.Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets
		 WHERE target_id = $1 AND status = 'stale'
		 ORDER BY normalized ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list stale assets: %w", err)
	}
	defer rows.Close()
	return collectAssets(rows)
}

// ListStaleServices returns the target's services awaiting verification.
func (s *Store) ListStaleServices(ctx context.Context, targetID string) ([]*ServiceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serviceColumns+`, a.normalized
		 FROM services s JOIN assets a ON a.id = s.asset_id
		 WHERE s.target_id = $1 AND s.status = 'stale'
		 ORDER BY a.normalized ASC, s.port ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list stale services: %w", err)
	}
	defer rows.Close()
	return collectServiceRows(rows)
}
