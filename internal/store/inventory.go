package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/normalize"
)

// UpsertOutcome reports what an inventory upsert did to the row.
type UpsertOutcome struct {
	ID      string
	Created bool // first sighting ever
	Revived bool // was stale/closed/unresolved, now active again
}

// UpsertAssetSeen records a sighting of an asset in the given run: insert on
// first sight (first_seen == last_seen), bump last_seen on re-sight, and
// revive non-active rows back to active, stamping verified_* since being
// observed is the strongest evidence of liveness.
func (s *Store) UpsertAssetSeen(ctx context.Context, targetID, runID, typ, value, normalized string) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("begin upsert asset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.upsertAssetSeen(ctx, tx, s.now(), targetID, runID, typ, value, normalized)
	if err != nil {
		return UpsertOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertOutcome{}, fmt.Errorf("commit upsert asset: %w", err)
	}
	return out, nil
}

func (s *Store) upsertAssetSeen(ctx context.Context, q querier, now time.Time, targetID, runID, typ, value, normalized string) (UpsertOutcome, error) {
	var id, status string
	err := q.QueryRowContext(ctx,
		`SELECT id, status FROM assets
		 WHERE target_id = $1 AND type = $2 AND normalized = $3
		 FOR UPDATE`, targetID, typ, normalized).Scan(&id, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = q.ExecContext(ctx,
			`INSERT INTO assets (id, target_id, type, value, normalized, status,
			                     first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, 'active', $6, $6, $7, $7)`,
			id, targetID, typ, value, normalized, runID, now)
		if err != nil {
			return UpsertOutcome{}, fmt.Errorf("insert asset %s %s: %w", typ, normalized, err)
		}
		return UpsertOutcome{ID: id, Created: true}, nil
	case err != nil:
		return UpsertOutcome{}, fmt.Errorf("lookup asset %s %s: %w", typ, normalized, err)
	}

	if status == model.ArtifactStatusActive {
		_, err = q.ExecContext(ctx,
			`UPDATE assets SET value = $2, last_seen_run_id = $3, last_seen_at = $4,
			        status_reason = NULL
			 WHERE id = $1`, id, value, runID, now)
		if err != nil {
			return UpsertOutcome{}, fmt.Errorf("touch asset %s: %w", id, err)
		}
		return UpsertOutcome{ID: id}, nil
	}

	_, err = q.ExecContext(ctx,
		`UPDATE assets SET value = $2, status = 'active', status_reason = NULL,
		        last_seen_run_id = $3, last_seen_at = $4,
		        verified_at = $4, verified_run_id = $3
		 WHERE id = $1`, id, value, runID, now)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("revive asset %s: %w", id, err)
	}
	return UpsertOutcome{ID: id, Revived: true}, nil
}

// UpsertServiceSeen records a sighting of an open port on an asset. Name,
// product and version only overwrite when the new sighting carries them.
func (s *Store) UpsertServiceSeen(ctx context.Context, targetID, assetID, runID string, port int, proto, name, product, version string) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("begin upsert service: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.upsertServiceSeen(ctx, tx, s.now(), targetID, assetID, runID, port, proto, name, product, version)
	if err != nil {
		return UpsertOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertOutcome{}, fmt.Errorf("commit upsert service: %w", err)
	}
	return out, nil
}

func (s *Store) upsertServiceSeen(ctx context.Context, q querier, now time.Time, targetID, assetID, runID string, port int, proto, name, product, version string) (UpsertOutcome, error) {
	var id, status string
	err := q.QueryRowContext(ctx,
		`SELECT id, status FROM services
		 WHERE target_id = $1 AND asset_id = $2 AND port = $3 AND proto = $4
		 FOR UPDATE`, targetID, assetID, port, proto).Scan(&id, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = q.ExecContext(ctx,
			`INSERT INTO services (id, target_id, asset_id, port, proto, name, product, version,
			                       status, first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $9, $10, $10)`,
			id, targetID, assetID, port, proto,
			nullStr(name), nullStr(product), nullStr(version), runID, now)
		if err != nil {
			return UpsertOutcome{}, fmt.Errorf("insert service %d/%s: %w", port, proto, err)
		}
		return UpsertOutcome{ID: id, Created: true}, nil
	case err != nil:
		return UpsertOutcome{}, fmt.Errorf("lookup service %d/%s: %w", port, proto, err)
	}

	revived := status != model.ArtifactStatusActive
	query := `UPDATE services SET
			name = CASE WHEN $2 <> '' THEN $2 ELSE name END,
			product = CASE WHEN $3 <> '' THEN $3 ELSE product END,
			version = CASE WHEN $4 <> '' THEN $4 ELSE version END,
			last_seen_run_id = $5, last_seen_at = $6, status_reason = NULL`
	if revived {
		query += `, status = 'active', verified_at = $6, verified_run_id = $5`
	}
	query += ` WHERE id = $1`
	if _, err = q.ExecContext(ctx, query, id, name, product, version, runID, now); err != nil {
		return UpsertOutcome{}, fmt.Errorf("touch service %s: %w", id, err)
	}
	return UpsertOutcome{ID: id, Revived: revived}, nil
}

// UpsertEdgeSeen records a sighting of a relationship between two assets.
func (s *Store) UpsertEdgeSeen(ctx context.Context, targetID, fromAssetID, toAssetID, relType, runID string) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("begin upsert edge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := s.upsertEdgeSeen(ctx, tx, s.now(), targetID, fromAssetID, toAssetID, relType, runID)
	if err != nil {
		return UpsertOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertOutcome{}, fmt.Errorf("commit upsert edge: %w", err)
	}
	return out, nil
}

func (s *Store) upsertEdgeSeen(ctx context.Context, q querier, now time.Time, targetID, fromAssetID, toAssetID, relType, runID string) (UpsertOutcome, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM edges
		 WHERE from_asset_id = $1 AND to_asset_id = $2 AND rel_type = $3
		 FOR UPDATE`, fromAssetID, toAssetID, relType).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = q.ExecContext(ctx,
			`INSERT INTO edges (id, target_id, from_asset_id, to_asset_id, rel_type,
			                    first_seen_run_id, last_seen_run_id, first_seen_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)`,
			id, targetID, fromAssetID, toAssetID, relType, runID, now)
		if err != nil {
			return UpsertOutcome{}, fmt.Errorf("insert edge %s: %w", relType, err)
		}
		return UpsertOutcome{ID: id, Created: true}, nil
	case err != nil:
		return UpsertOutcome{}, fmt.Errorf("lookup edge %s: %w", relType, err)
	}

	_, err = q.ExecContext(ctx,
		`UPDATE edges SET last_seen_run_id = $2, last_seen_at = $3 WHERE id = $1`,
		id, runID, now)
	if err != nil {
		return UpsertOutcome{}, fmt.Errorf("touch edge %s: %w", id, err)
	}
	return UpsertOutcome{ID: id}, nil
}

// IngestedRef identifies one inventory row touched by an ingest batch.
type IngestedRef struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SkippedRecord is one observation ingest refused, with the reason.
type SkippedRecord struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// IngestSummary reports what one scan result batch changed.
type IngestSummary struct {
	NewAssets       []IngestedRef
	RevivedAssets   []IngestedRef
	SeenAssets      int
	NewServices     []IngestedRef
	RevivedServices []IngestedRef
	SeenServices    int
	NewEdges        int
	SeenEdges       int
	Findings        int
	Skipped         []SkippedRecord
}

// IngestOptions tune one ingest batch.
type IngestOptions struct {
	ScanID string
	// AllowPrivateIPs admits loopback/RFC1918 addresses, for targets whose
	// scope declares private CIDRs.
	AllowPrivateIPs bool
	// LinkFindingURLs resolves (or creates) url assets for findings that
	// carry a URL, so findings hang off the asset they were observed on.
	LinkFindingURLs bool
}

// IngestScanResult persists one scanner result batch in a single
// transaction: assets first, then services and edges referencing them, then
// findings. Observations that fail normalization are skipped and reported,
// never aborting the batch; any database error aborts it. Conflicts with a
// concurrent ingester are retried once. Replaying the same batch for the
// same run is a no-op beyond last_seen bumps.
func (s *Store) IngestScanResult(ctx context.Context, targetID, runID string, out *model.ScanOutput, opts IngestOptions) (*IngestSummary, error) {
	sum, err := s.ingestOnce(ctx, targetID, runID, out, opts)
	if err != nil && isRetryableConflict(err) {
		sum, err = s.ingestOnce(ctx, targetID, runID, out, opts)
	}
	return sum, err
}

func (s *Store) ingestOnce(ctx context.Context, targetID, runID string, out *model.ScanOutput, opts IngestOptions) (*IngestSummary, error) {
	sum := &IngestSummary{}
	if out.Empty() {
		return sum, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	ing := &ingestBatch{
		store: s, tx: tx, now: now,
		targetID: targetID, runID: runID,
		allowPrivate: opts.AllowPrivateIPs,
		assetIDs:     make(map[string]string),
		serviceKeys:  make(map[string]bool),
		edgeKeys:     make(map[string]bool),
		sum:          sum,
	}

	for _, a := range out.Assets {
		if _, err := ing.asset(ctx, a); err != nil {
			return nil, err
		}
	}
	for _, svc := range out.Services {
		if err := ing.service(ctx, svc); err != nil {
			return nil, err
		}
	}
	for _, e := range out.Edges {
		if err := ing.edge(ctx, e); err != nil {
			return nil, err
		}
	}
	for _, f := range out.Findings {
		if err := ing.finding(ctx, f, opts); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ingest: %w", err)
	}
	return sum, nil
}

// ingestBatch carries per-batch dedupe state so one transaction never
// touches the same row twice.
type ingestBatch struct {
	store        *Store
	tx           *sql.Tx
	now          time.Time
	targetID     string
	runID        string
	allowPrivate bool

	assetIDs    map[string]string // type \x00 normalized -> asset id
	serviceKeys map[string]bool
	edgeKeys    map[string]bool
	sum         *IngestSummary
}

func assetKey(typ, normalized string) string {
	return typ + "\x00" + normalized
}

// asset normalizes and upserts one asset observation. Returns the asset id,
// or "" when the record was skipped.
func (b *ingestBatch) asset(ctx context.Context, obs model.AssetObservation) (string, error) {
	normalized, err := normalize.Value(obs.Type, obs.Value, b.allowPrivate)
	if err != nil {
		b.skip("asset", obs.Value, err)
		return "", nil
	}
	key := assetKey(obs.Type, normalized)
	if id, ok := b.assetIDs[key]; ok {
		return id, nil
	}

	out, err := b.store.upsertAssetSeen(ctx, b.tx, b.now, b.targetID, b.runID, obs.Type, obs.Value, normalized)
	if err != nil {
		return "", err
	}
	b.assetIDs[key] = out.ID
	ref := IngestedRef{ID: out.ID, Type: obs.Type, Value: normalized}
	switch {
	case out.Created:
		b.sum.NewAssets = append(b.sum.NewAssets, ref)
	case out.Revived:
		b.sum.RevivedAssets = append(b.sum.RevivedAssets, ref)
	default:
		b.sum.SeenAssets++
	}
	return out.ID, nil
}

func (b *ingestBatch) service(ctx context.Context, obs model.ServiceObservation) error {
	if obs.Port < 1 || obs.Port > 65535 {
		b.skip("service", fmt.Sprintf("%s:%d", obs.Host.Value, obs.Port),
			fmt.Errorf("port %d out of range", obs.Port))
		return nil
	}
	proto := strings.ToLower(strings.TrimSpace(obs.Proto))
	if proto == "" {
		proto = model.ProtoTCP
	}
	if proto != model.ProtoTCP && proto != model.ProtoUDP {
		b.skip("service", fmt.Sprintf("%s:%d/%s", obs.Host.Value, obs.Port, obs.Proto),
			fmt.Errorf("unknown proto %q", obs.Proto))
		return nil
	}

	hostID, err := b.asset(ctx, obs.Host)
	if err != nil || hostID == "" {
		return err
	}
	key := fmt.Sprintf("%s\x00%d\x00%s", hostID, obs.Port, proto)
	if b.serviceKeys[key] {
		return nil
	}
	b.serviceKeys[key] = true

	out, err := b.store.upsertServiceSeen(ctx, b.tx, b.now, b.targetID, hostID, b.runID,
		obs.Port, proto, obs.Name, obs.Product, obs.Version)
	if err != nil {
		return err
	}
	ref := IngestedRef{ID: out.ID, Type: "service",
		Value: fmt.Sprintf("%s:%d/%s", obs.Host.Value, obs.Port, proto)}
	switch {
	case out.Created:
		b.sum.NewServices = append(b.sum.NewServices, ref)
	case out.Revived:
		b.sum.RevivedServices = append(b.sum.RevivedServices, ref)
	default:
		b.sum.SeenServices++
	}
	return nil
}

func (b *ingestBatch) edge(ctx context.Context, obs model.EdgeObservation) error {
	fromID, err := b.asset(ctx, obs.From)
	if err != nil || fromID == "" {
		return err
	}
	toID, err := b.asset(ctx, obs.To)
	if err != nil || toID == "" {
		return err
	}
	key := fromID + "\x00" + toID + "\x00" + obs.RelType
	if b.edgeKeys[key] {
		return nil
	}
	b.edgeKeys[key] = true

	out, err := b.store.upsertEdgeSeen(ctx, b.tx, b.now, b.targetID, fromID, toID, obs.RelType, b.runID)
	if err != nil {
		return err
	}
	if out.Created {
		b.sum.NewEdges++
	} else {
		b.sum.SeenEdges++
	}
	return nil
}

func (b *ingestBatch) finding(ctx context.Context, f model.Finding, opts IngestOptions) error {
	assetID := f.AssetID
	if assetID == "" && opts.LinkFindingURLs && f.URL != "" {
		id, err := b.asset(ctx, model.AssetObservation{Type: model.AssetTypeURL, Value: f.URL})
		if err != nil {
			return err
		}
		assetID = id
	}
	if f.Severity == "" {
		f.Severity = model.SeverityInfo
	}
	var cvss any
	if f.CVSSScore > 0 {
		cvss = f.CVSSScore
	}

	_, err := b.tx.ExecContext(ctx,
		`INSERT INTO findings (id, target_id, run_id, scan_id, asset_id, severity, title,
		                       description, impact, evidence, remediation, remediation_example,
		                       url, cve, cvss_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		uuid.NewString(), b.targetID, nullStr(b.runID), nullStr(opts.ScanID), nullStr(assetID),
		f.Severity, f.Title, nullStr(f.Description), nullStr(f.Impact), nullStr(f.Evidence),
		nullStr(f.Remediation), nullStr(f.RemediationExample), nullStr(f.URL), nullStr(f.CVE),
		cvss, b.now)
	if err != nil {
		return fmt.Errorf("insert finding %q: %w", f.Title, err)
	}
	b.sum.Findings++
	return nil
}

func (b *ingestBatch) skip(kind, value string, reason error) {
	b.sum.Skipped = append(b.sum.Skipped, SkippedRecord{
		Kind: kind, Value: value, Reason: reason.Error(),
	})
}

// SetAssetVerified records a verification outcome on an asset without
// touching its sighting provenance. The status_reason set when the asset
// went stale is kept as the explanation.
func (s *Store) SetAssetVerified(ctx context.Context, assetID, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assets SET status = $2, verified_at = $3, verified_run_id = $4
		 WHERE id = $1`, assetID, status, s.now(), runID)
	if err != nil {
		return fmt.Errorf("verify asset %s: %w", assetID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	return nil
}

// SetServiceVerified records a verification outcome on a service.
func (s *Store) SetServiceVerified(ctx context.Context, serviceID, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET status = $2, verified_at = $3, verified_run_id = $4
		 WHERE id = $1`, serviceID, status, s.now(), runID)
	if err != nil {
		return fmt.Errorf("verify service %s: %w", serviceID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("service %s: %w", serviceID, ErrNotFound)
	}
	return nil
}
