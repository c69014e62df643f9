package scan

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/dal/sqlite"
	"github.com/threatlens/threatscan/pkg/intel"
	"github.com/threatlens/threatscan/pkg/retry"
	"github.com/threatlens/threatscan/pkg/scoring"
	"github.com/threatlens/threatscan/pkg/source"
)

var fixedNow = time.Date(2024, 3, 9, 16, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

type staticAdapter struct {
	src   intel.Source
	items []string
	delay time.Duration
	calls int32
}

func (s *staticAdapter) Source() intel.Source { return s.src }

func (s *staticAdapter) Fetch(ctx context.Context, asset intel.Asset) []intel.RawRecord {
	atomic.AddInt32(&s.calls, 1)
	if !asset.HasIndicator() {
		return nil
	}
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.delay):
		}
	}
	out := make([]intel.RawRecord, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, intel.RawRecord{Source: s.src, Payload: []byte(item)})
	}
	return out
}

const (
	criticalCVE1 = `{"cve":{"id":"CVE-2024-0001","metrics":{"cvssMetricV31":[{"cvssData":{"baseScore":9.8}}]}}}`
	criticalCVE2 = `{"cve":{"id":"CVE-2024-0002","metrics":{"cvssMetricV31":[{"cvssData":{"baseScore":9.1}}]}}}`
	mediumPulse  = `{"id":"pulse-1","name":"Scanner activity"}`
)

func newRepo(t *testing.T) (*sqlite.Repository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.db")
	repo, err := sqlite.New(path)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func registerAsset(t *testing.T, repo *sqlite.Repository, a intel.Asset) {
	t.Helper()
	if err := repo.UpsertAsset(context.Background(), &a); err != nil {
		t.Fatalf("UpsertAsset failed: %v", err)
	}
}

var webAsset = intel.Asset{
	ID:          1,
	Name:        "web-01",
	Type:        "Web Server",
	IPAddress:   "203.0.113.10",
	CPE:         "cpe:2.3:a:nginx:nginx:1.24.0:*:*:*:*:*:*:*",
	Criticality: "High",
}

func TestRunScoresAndPersists(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	registerAsset(t, repo, webAsset)

	adapters := []source.Adapter{
		&staticAdapter{src: intel.SourceNVD, items: []string{criticalCVE1, criticalCVE2}},
		&staticAdapter{src: intel.SourceOTX, items: []string{mediumPulse}},
	}
	o := New(repo, repo, adapters, scoring.New(), WithClock(clock))

	res, err := o.Run(ctx, 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RiskScore != 44.6 || res.Method != intel.MethodFallback {
		t.Fatalf("expected fallback score 44.6, got %v via %s", res.RiskScore, res.Method)
	}
	if len(res.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(res.Records))
	}

	risk, err := repo.RiskScore(ctx, 1)
	if err != nil {
		t.Fatalf("RiskScore failed: %v", err)
	}
	if risk.RiskScore != 44.6 || risk.ScanID != res.ScanID || !risk.LastScanAt.Equal(fixedNow) {
		t.Fatalf("unexpected persisted risk %+v", risk)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	registerAsset(t, repo, webAsset)

	adapters := []source.Adapter{
		&staticAdapter{src: intel.SourceNVD, items: []string{criticalCVE1, criticalCVE2, criticalCVE1}},
		&staticAdapter{src: intel.SourceOTX, items: []string{mediumPulse}},
	}
	o := New(repo, repo, adapters, scoring.New(), WithClock(clock))

	first, err := o.Run(ctx, 1)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.Run(ctx, 1)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rerun changed the result (-first +second):\n%s", diff)
	}

	threats, err := repo.AssetThreats(ctx, 1)
	if err != nil {
		t.Fatalf("AssetThreats failed: %v", err)
	}
	if len(threats) != 3 {
		t.Fatalf("expected 3 persisted threats without duplicates, got %d", len(threats))
	}
}

func TestRunPreservesAdapterOrder(t *testing.T) {
	repo, _ := newRepo(t)
	registerAsset(t, repo, webAsset)

	adapters := []source.Adapter{
		&staticAdapter{src: intel.SourceNVD, items: []string{criticalCVE1}, delay: 60 * time.Millisecond},
		&staticAdapter{src: intel.SourceOTX, items: []string{mediumPulse}, delay: 30 * time.Millisecond},
		&staticAdapter{src: intel.SourceMITRE, items: []string{`{"type":"attack-pattern","name":"Exploit Public-Facing Application","external_references":[{"source_name":"mitre-attack","external_id":"T1190"}]}`}},
	}
	res, err := New(repo, repo, adapters, scoring.New(), WithClock(clock)).Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var got []intel.Source
	for _, r := range res.Records {
		got = append(got, r.Source)
	}
	want := []intel.Source{intel.SourceNVD, intel.SourceOTX, intel.SourceMITRE}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record order mismatch (-want +got):\n%s", diff)
	}
}

func TestRunAssetWithoutIndicatorsScoresZero(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	registerAsset(t, repo, intel.Asset{ID: 5, Name: "kiosk", Type: "Workstation", OperatingSystem: "Windows 10"})

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	deps := source.Deps{Audit: repo}
	adapters := []source.Adapter{
		source.NewNVD(srv.URL, "", deps),
		source.NewOTX(srv.URL, "k", deps),
		source.NewVirusTotal(srv.URL, "k", deps),
		source.NewMITRE(srv.URL, nil, 0, deps),
	}
	res, err := New(repo, repo, adapters, scoring.New(), WithClock(clock)).Run(ctx, 5)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.RiskScore != 0 || len(res.Records) != 0 {
		t.Fatalf("expected an empty zero-score result, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no provider calls, got %d", calls)
	}
	risk, err := repo.RiskScore(ctx, 5)
	if err != nil || risk.RiskScore != 0 {
		t.Fatalf("expected persisted score 0, got %+v, %v", risk, err)
	}
}

func TestRunDegradesWhenOneSourceFails(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	registerAsset(t, repo, webAsset)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	deps := source.Deps{
		Audit: repo,
		Retry: retry.Policy{MaxAttempts: 3, Delay: 5 * time.Second, Sleep: func(context.Context, time.Duration) error { return nil }},
	}
	adapters := []source.Adapter{
		source.NewNVD(srv.URL, "", deps),
		&staticAdapter{src: intel.SourceOTX, items: []string{mediumPulse}},
		&staticAdapter{src: intel.SourceMITRE, items: []string{`{"type":"attack-pattern","name":"Valid Accounts","external_references":[{"source_name":"mitre-attack","external_id":"T1078"}]}`}},
	}
	res, err := New(repo, repo, adapters, scoring.New(), WithClock(clock)).Run(ctx, 1)
	if err != nil {
		t.Fatalf("expected a degraded scan to succeed, got %v", err)
	}
	for _, r := range res.Records {
		if r.Source == intel.SourceNVD {
			t.Fatalf("unexpected record from the failed source: %+v", r)
		}
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected records from the two live sources, got %d", len(res.Records))
	}

	calls, err := repo.RecentCalls(ctx, "nvd", 10)
	if err != nil {
		t.Fatalf("RecentCalls failed: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 audited nvd attempts, got %d", len(calls))
	}
	for _, c := range calls {
		if c.Outcome != source.OutcomeTransient || c.Status != http.StatusGatewayTimeout {
			t.Fatalf("unexpected audit entry %+v", c)
		}
	}
}

func TestRunUnknownAsset(t *testing.T) {
	repo, _ := newRepo(t)
	_, err := New(repo, repo, nil, scoring.New()).Run(context.Background(), 404)
	if !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestRunPersistenceFailureKeepsPriorScore(t *testing.T) {
	ctx := context.Background()
	repo, path := newRepo(t)
	registerAsset(t, repo, webAsset)

	adapters := []source.Adapter{&staticAdapter{src: intel.SourceOTX, items: []string{mediumPulse}}}
	before, err := New(repo, repo, adapters, scoring.New(), WithClock(clock)).Run(ctx, 1)
	if err != nil {
		t.Fatalf("initial run: %v", err)
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open side connection: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(`
CREATE TRIGGER fail_link BEFORE INSERT ON asset_threats
WHEN NEW.threat_id IN (SELECT id FROM threats WHERE external_id = 'CVE-2024-0002')
BEGIN
	SELECT RAISE(ABORT, 'injected failure');
END;`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	adapters = []source.Adapter{
		&staticAdapter{src: intel.SourceNVD, items: []string{criticalCVE1, criticalCVE2}},
		&staticAdapter{src: intel.SourceOTX, items: []string{mediumPulse}},
	}
	later := func() time.Time { return fixedNow.Add(time.Hour) }
	_, err = New(repo, repo, adapters, scoring.New(), WithClock(later)).Run(ctx, 1)

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected a persistence error, got %v", err)
	}

	risk, err := repo.RiskScore(ctx, 1)
	if err != nil {
		t.Fatalf("RiskScore failed: %v", err)
	}
	if risk.RiskScore != before.RiskScore || risk.ScanID != before.ScanID {
		t.Fatalf("expected prior risk %v/%s, got %+v", before.RiskScore, before.ScanID, risk)
	}
	threats, err := repo.AssetThreats(ctx, 1)
	if err != nil {
		t.Fatalf("AssetThreats failed: %v", err)
	}
	if len(threats) != 1 {
		t.Fatalf("expected only the prior association, got %d", len(threats))
	}
}

func TestRunCanceledBeforePersistence(t *testing.T) {
	repo, _ := newRepo(t)
	registerAsset(t, repo, webAsset)

	ctx, cancel := context.WithCancel(context.Background())
	adapters := []source.Adapter{&cancelingAdapter{cancel: cancel}}
	_, err := New(repo, repo, adapters, scoring.New(), WithClock(clock)).Run(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := repo.RiskScore(context.Background(), 1); !errors.Is(err, dal.ErrNotFound) {
		t.Fatalf("expected nothing persisted, got %v", err)
	}
}

type cancelingAdapter struct {
	cancel context.CancelFunc
}

func (c *cancelingAdapter) Source() intel.Source { return intel.SourceNVD }

func (c *cancelingAdapter) Fetch(context.Context, intel.Asset) []intel.RawRecord {
	c.cancel()
	return []intel.RawRecord{{Source: intel.SourceNVD, Payload: []byte(criticalCVE1)}}
}

func TestScanIDIsDeterministic(t *testing.T) {
	if scanID(1, fixedNow) != scanID(1, fixedNow) {
		t.Fatal("scan id must be stable for identical inputs")
	}
	if scanID(1, fixedNow) == scanID(2, fixedNow) || scanID(1, fixedNow) == scanID(1, fixedNow.Add(time.Second)) {
		t.Fatal("scan id must differ across assets and timestamps")
	}
}
