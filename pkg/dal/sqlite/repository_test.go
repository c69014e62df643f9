package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/intel"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedAsset(t *testing.T, repo *Repository, id int64) *intel.Asset {
	t.Helper()
	a := &intel.Asset{
		ID:              id,
		Name:            "web-01",
		Type:            "Server",
		OperatingSystem: "Ubuntu",
		OSVersion:       "22.04",
		Software:        []string{"nginx 1.24", "openssl 3.0"},
		IPAddress:       "203.0.113.10",
		CPE:             "cpe:2.3:a:nginx:nginx:1.24.0:*:*:*:*:*:*:*",
		Criticality:     "High",
	}
	if err := repo.UpsertAsset(context.Background(), a); err != nil {
		t.Fatalf("UpsertAsset failed: %v", err)
	}
	return a
}

func countRows(t *testing.T, repo *Repository, table string) int {
	t.Helper()
	var n int
	if err := repo.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func sampleResult(assetID int64, at time.Time) *intel.ScanResult {
	published := time.Unix(1700000000, 0).UTC()
	return &intel.ScanResult{
		ScanID:    "scan-1",
		AssetID:   assetID,
		RiskScore: 44.6,
		Method:    intel.MethodFallback,
		ScannedAt: at,
		Records: []intel.Record{
			{Source: intel.SourceNVD, ExternalID: "CVE-2024-0001", Name: "CVE-2024-0001", Severity: intel.SeverityCritical, Score: 98, Published: &published},
			{Source: intel.SourceOTX, ExternalID: "pulse-1", Name: "Botnet", Severity: intel.SeverityMedium, Score: 40},
		},
	}
}

func TestAssetRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	want := seedAsset(t, repo, 7)

	got, err := repo.GetAsset(ctx, 7)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("asset mismatch (-want +got):\n%s", diff)
	}

	want.Criticality = "Low"
	if err := repo.UpsertAsset(ctx, want); err != nil {
		t.Fatalf("UpsertAsset update failed: %v", err)
	}
	got, err = repo.GetAsset(ctx, 7)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if got.Criticality != "Low" {
		t.Fatalf("expected updated criticality, got %q", got.Criticality)
	}

	ids, err := repo.ListAssetIDs(ctx)
	if err != nil {
		t.Fatalf("ListAssetIDs failed: %v", err)
	}
	if diff := cmp.Diff([]int64{7}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestGetAssetNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.GetAsset(context.Background(), 404); !errors.Is(err, dal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.RiskScore(context.Background(), 404); !errors.Is(err, dal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for risk, got %v", err)
	}
}

func TestSaveScanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAsset(t, repo, 1)
	at := time.Unix(1710000000, 0).UTC()

	for i := 0; i < 2; i++ {
		if err := repo.SaveScan(ctx, sampleResult(1, at)); err != nil {
			t.Fatalf("SaveScan %d failed: %v", i, err)
		}
	}

	if n := countRows(t, repo, "threats"); n != 2 {
		t.Fatalf("expected 2 threats, got %d", n)
	}
	if n := countRows(t, repo, "asset_threats"); n != 2 {
		t.Fatalf("expected 2 associations, got %d", n)
	}
	if n := countRows(t, repo, "asset_risk"); n != 1 {
		t.Fatalf("expected 1 risk row, got %d", n)
	}

	risk, err := repo.RiskScore(ctx, 1)
	if err != nil {
		t.Fatalf("RiskScore failed: %v", err)
	}
	want := &dal.AssetRisk{AssetID: 1, RiskScore: 44.6, Method: intel.MethodFallback, ScanID: "scan-1", LastScanAt: at}
	if diff := cmp.Diff(want, risk); diff != "" {
		t.Fatalf("risk mismatch (-want +got):\n%s", diff)
	}

	threats, err := repo.AssetThreats(ctx, 1)
	if err != nil {
		t.Fatalf("AssetThreats failed: %v", err)
	}
	if diff := cmp.Diff(sampleResult(1, at).Records, threats); diff != "" {
		t.Fatalf("threats mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveScanSharesThreatsAcrossAssets(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAsset(t, repo, 1)
	seedAsset(t, repo, 2)
	at := time.Unix(1710000000, 0).UTC()

	if err := repo.SaveScan(ctx, sampleResult(1, at)); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}
	if err := repo.SaveScan(ctx, sampleResult(2, at.Add(time.Hour))); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}
	if n := countRows(t, repo, "threats"); n != 2 {
		t.Fatalf("expected shared threat rows, got %d", n)
	}
	if n := countRows(t, repo, "asset_threats"); n != 4 {
		t.Fatalf("expected 4 associations, got %d", n)
	}
}

func TestSaveScanRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	seedAsset(t, repo, 1)
	at := time.Unix(1710000000, 0).UTC()

	if err := repo.SaveScan(ctx, sampleResult(1, at)); err != nil {
		t.Fatalf("SaveScan failed: %v", err)
	}

	_, err := repo.db.Exec(`
CREATE TRIGGER fail_link BEFORE INSERT ON asset_threats
WHEN NEW.threat_id IN (SELECT id FROM threats WHERE external_id = 'boom')
BEGIN
	SELECT RAISE(ABORT, 'injected failure');
END;`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	next := sampleResult(1, at.Add(time.Hour))
	next.ScanID = "scan-2"
	next.RiskScore = 90
	next.Records = append(next.Records, intel.Record{Source: intel.SourceMITRE, ExternalID: "boom", Severity: intel.SeverityLow, Score: 30})

	if err := repo.SaveScan(ctx, next); err == nil {
		t.Fatalf("expected SaveScan to fail")
	}

	risk, err := repo.RiskScore(ctx, 1)
	if err != nil {
		t.Fatalf("RiskScore failed: %v", err)
	}
	if risk.RiskScore != 44.6 || risk.ScanID != "scan-1" {
		t.Fatalf("expected previous risk to survive, got %+v", risk)
	}
	if n := countRows(t, repo, "threats"); n != 2 {
		t.Fatalf("expected rolled back threat insert, got %d threats", n)
	}
}

func TestSaveScanRequiresAsset(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.SaveScan(context.Background(), sampleResult(99, time.Unix(0, 0))); err == nil {
		t.Fatalf("expected foreign key failure for unknown asset")
	}
	if n := countRows(t, repo, "threats"); n != 0 {
		t.Fatalf("expected no threats, got %d", n)
	}
}

func TestRecordCall(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	at := time.Unix(1710000000, 0).UTC()

	entry := dal.AuditEntry{
		Provider: "otx",
		Endpoint: "/api/v1/indicators/IPv4/203.0.113.10/general",
		Params:   map[string]string{"indicator": "203.0.113.10"},
		Status:   503,
		Body:     "unavailable",
		Outcome:  "transient",
		Attempt:  2,
		Error:    "status 503",
		At:       at,
	}
	if err := repo.RecordCall(ctx, entry); err != nil {
		t.Fatalf("RecordCall failed: %v", err)
	}

	got, err := repo.RecentCalls(ctx, "otx", 10)
	if err != nil {
		t.Fatalf("RecentCalls failed: %v", err)
	}
	if diff := cmp.Diff([]dal.AuditEntry{entry}, got); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}

	if got, _ := repo.RecentCalls(ctx, "nvd", 10); len(got) != 0 {
		t.Fatalf("expected no nvd entries, got %d", len(got))
	}
}
