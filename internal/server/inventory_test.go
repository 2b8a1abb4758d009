package server

import (
	"net/http"
	"testing"

	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/store"
)

func TestListAssetsAppliesFilters(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.assets = []*model.Asset{
		{ID: "ast-1", Type: model.AssetTypeSubdomain, Value: "api.example.com"},
	}
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/assets?type=subdomain&status=active&limit=5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := store.AssetFilter{Type: "subdomain", Status: "active", Limit: 5}
	if fs.assetFilter != want {
		t.Fatalf("filter = %+v", fs.assetFilter)
	}
	type envelope struct {
		Assets []model.Asset `json:"assets"`
		Total  int           `json:"total"`
	}
	if env := decode[envelope](t, rr); env.Total != 1 || env.Assets[0].Value != "api.example.com" {
		t.Fatalf("envelope = %+v", env)
	}

	rr = do(t, srv, http.MethodGet, "/api/targets/tgt-9/assets", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestListServicesAppliesFilter(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.services = []*store.ServiceRow{
		{Service: model.Service{ID: "svc-1", Port: 443, Proto: "tcp"}, Host: "192.0.2.10"},
	}
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/services?status=open&limit=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := store.ServiceFilter{Status: "open", Limit: 10}
	if fs.serviceFilter != want {
		t.Fatalf("filter = %+v", fs.serviceFilter)
	}
	type envelope struct {
		Services []struct {
			ID   string `json:"id"`
			Host string `json:"host"`
		} `json:"services"`
		Total int `json:"total"`
	}
	env := decode[envelope](t, rr)
	if env.Total != 1 || env.Services[0].Host != "192.0.2.10" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestListEdges(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.edges = []*store.EdgeRow{
		{Edge: model.Edge{ID: "edg-1", RelType: "resolves_to"}, From: "api.example.com", To: "192.0.2.10"},
	}
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/edges?limit=100", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fs.edgeLimit != 100 {
		t.Fatalf("limit = %d", fs.edgeLimit)
	}
	type envelope struct {
		Edges []struct {
			RelType string `json:"rel_type"`
			From    string `json:"from"`
			To      string `json:"to"`
		} `json:"edges"`
		Total int `json:"total"`
	}
	env := decode[envelope](t, rr)
	if env.Total != 1 || env.Edges[0].From != "api.example.com" || env.Edges[0].To != "192.0.2.10" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestListFindingsAppliesFilter(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.findings = []*model.Finding{
		{ID: "fnd-1", Severity: "high", Title: "exposed panel"},
	}
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/findings?severity=high&run_id=run-7&limit=3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := store.FindingFilter{Severity: "high", RunID: "run-7", Limit: 3}
	if fs.findingFilter != want {
		t.Fatalf("filter = %+v", fs.findingFilter)
	}
}

func TestListScansForTargetAndRun(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.seedRun("run-1", "tgt-1", model.RunStatusCompleted)
	fs.scanList = []*model.Scan{
		{ID: "scan-1", Scanner: "nmap", Status: model.ScanStatusCompleted},
	}
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/scans?limit=7", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fs.scanLimit != 7 {
		t.Fatalf("limit = %d", fs.scanLimit)
	}

	rr = do(t, srv, http.MethodGet, "/api/targets/tgt-1/scans?run_id=run-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if len(fs.runScansFor) != 1 || fs.runScansFor[0] != "run-1" {
		t.Fatalf("run scans = %v", fs.runScansFor)
	}

	// A run belonging to another target is invisible here.
	fs.seedTarget("tgt-2", "example.org")
	fs.seedRun("run-2", "tgt-2", model.RunStatusCompleted)
	rr = do(t, srv, http.MethodGet, "/api/targets/tgt-1/scans?run_id=run-2", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestChangesDefaultsToLatestCompletedRun(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	srv, _, _ := newTestServer(fs)

	// No completed run yet.
	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/changes", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}

	fs.latestCompleted = fs.seedRun("run-5", "tgt-1", model.RunStatusCompleted)
	fs.report = &store.ChangeReport{
		RunID:  "run-5",
		Counts: map[string]int{"new_assets": 2},
	}
	rr = do(t, srv, http.MethodGet, "/api/targets/tgt-1/changes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if fs.changesRunID != "run-5" {
		t.Fatalf("changes run = %s", fs.changesRunID)
	}
	got := decode[store.ChangeReport](t, rr)
	if got.RunID != "run-5" || got.Counts["new_assets"] != 2 {
		t.Fatalf("report = %+v", got)
	}
}

func TestChangesForExplicitRun(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.seedRun("run-3", "tgt-1", model.RunStatusCompleted)
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/changes?run_id=run-3", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fs.changesRunID != "run-3" {
		t.Fatalf("changes run = %s", fs.changesRunID)
	}

	fs.seedTarget("tgt-2", "example.org")
	fs.seedRun("run-4", "tgt-2", model.RunStatusCompleted)
	rr = do(t, srv, http.MethodGet, "/api/targets/tgt-1/changes?run_id=run-4", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestListRunEventsAppliesFilter(t *testing.T) {
	fs := newFakeStore()
	fs.seedTarget("tgt-1", "example.com")
	fs.runEvents = []*model.RunEvent{
		{ID: "evt-1", Kind: "scope_denied", Actor: "engine"},
	}
	srv, _, _ := newTestServer(fs)

	rr := do(t, srv, http.MethodGet, "/api/targets/tgt-1/events?kind=scope_denied&run_id=run-1&limit=20", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	want := store.RunEventFilter{RunID: "run-1", Kind: "scope_denied", Limit: 20}
	if fs.eventFilter != want {
		t.Fatalf("filter = %+v", fs.eventFilter)
	}
	type envelope struct {
		Events []model.RunEvent `json:"events"`
		Total  int              `json:"total"`
	}
	if env := decode[envelope](t, rr); env.Total != 1 || env.Events[0].Kind != "scope_denied" {
		t.Fatalf("envelope = %+v", env)
	}
}
