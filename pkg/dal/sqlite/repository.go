package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/intel"
)

const softwareSeparator = ";"

// Repository persists assets, threat records, risk scores and the provider
// call audit trail in SQLite.
type Repository struct {
	db *sql.DB
}

var _ dal.Repository = (*Repository)(nil)

// New opens (or creates) the SQLite database at the provided path and ensures
// the schema exists.
func New(path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	if err := ensureDir(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("error applying %q: %w", p, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS assets (
	asset_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	department TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	operating_system TEXT NOT NULL DEFAULT '',
	os_version TEXT NOT NULL DEFAULT '',
	software_installed TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL DEFAULT '',
	cpe_identifier TEXT NOT NULL DEFAULT '',
	criticality TEXT NOT NULL DEFAULT '',
	data_classification TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS threats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	score REAL NOT NULL,
	published_at INTEGER,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS asset_threats (
	asset_id INTEGER NOT NULL REFERENCES assets (asset_id) ON DELETE CASCADE,
	threat_id INTEGER NOT NULL REFERENCES threats (id) ON DELETE CASCADE,
	detected_at INTEGER NOT NULL,
	PRIMARY KEY (asset_id, threat_id)
);

CREATE TABLE IF NOT EXISTS asset_risk (
	asset_id INTEGER PRIMARY KEY REFERENCES assets (asset_id) ON DELETE CASCADE,
	risk_score REAL NOT NULL,
	score_method TEXT NOT NULL,
	scan_id TEXT NOT NULL,
	last_scan_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_calls_log (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	api_name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	request_params TEXT NOT NULL DEFAULT '{}',
	response_status INTEGER NOT NULL DEFAULT 0,
	response_body TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	attempt INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	called_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_asset_threats_threat_id ON asset_threats (threat_id);
CREATE INDEX IF NOT EXISTS idx_api_calls_log_api_name ON api_calls_log (api_name, called_at);
`
	_, err := db.Exec(ddl)
	return err
}

// UpsertAsset inserts the asset or replaces the attributes of an existing
// asset with the same id.
func (r *Repository) UpsertAsset(ctx context.Context, a *intel.Asset) error {
	if a == nil {
		return fmt.Errorf("asset must not be nil")
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("asset %d: name must not be empty", a.ID)
	}

	query := `
INSERT INTO assets (asset_id, name, type, department, location, operating_system, os_version,
	software_installed, ip_address, domain, cpe_identifier, criticality, data_classification)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(asset_id)
DO UPDATE SET
	name = excluded.name,
	type = excluded.type,
	department = excluded.department,
	location = excluded.location,
	operating_system = excluded.operating_system,
	os_version = excluded.os_version,
	software_installed = excluded.software_installed,
	ip_address = excluded.ip_address,
	domain = excluded.domain,
	cpe_identifier = excluded.cpe_identifier,
	criticality = excluded.criticality,
	data_classification = excluded.data_classification;
`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Type, a.Department, a.Location, a.OperatingSystem, a.OSVersion,
		strings.Join(a.Software, softwareSeparator), a.IPAddress, a.Domain, a.CPE,
		a.Criticality, a.DataClassification,
	)
	if err != nil {
		return fmt.Errorf("error upserting asset %d: %w", a.ID, err)
	}
	return nil
}

const assetColumns = `asset_id, name, type, department, location, operating_system, os_version,
	software_installed, ip_address, domain, cpe_identifier, criticality, data_classification`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*intel.Asset, error) {
	var (
		a        intel.Asset
		software string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Department, &a.Location, &a.OperatingSystem,
		&a.OSVersion, &software, &a.IPAddress, &a.Domain, &a.CPE, &a.Criticality,
		&a.DataClassification); err != nil {
		return nil, err
	}
	a.Software = splitSoftware(software)
	return &a, nil
}

func splitSoftware(s string) []string {
	var out []string
	for _, part := range strings.Split(s, softwareSeparator) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetAsset loads one asset. It returns dal.ErrNotFound for unknown ids.
func (r *Repository) GetAsset(ctx context.Context, id int64) (*intel.Asset, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_id = ?;`, id)
	a, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %d: %w", id, dal.ErrNotFound)
		}
		return nil, fmt.Errorf("error fetching asset %d: %w", id, err)
	}
	return a, nil
}

// ListAssets returns every registered asset ordered by id.
func (r *Repository) ListAssets(ctx context.Context) ([]intel.Asset, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY asset_id;`)
	if err != nil {
		return nil, fmt.Errorf("error listing assets: %w", err)
	}
	defer rows.Close()

	var out []intel.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning asset: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListAssetIDs returns the ids of every registered asset in ascending order.
func (r *Repository) ListAssetIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT asset_id FROM assets ORDER BY asset_id;`)
	if err != nil {
		return nil, fmt.Errorf("error listing asset ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning asset id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveScan persists a scan result in a single transaction: the asset's
// current risk score is upserted, every record is upserted by its natural
// key and linked to the asset if not already linked. Any failure rolls the
// whole transaction back.
func (r *Repository) SaveScan(ctx context.Context, result *intel.ScanResult) (err error) {
	if result == nil {
		return fmt.Errorf("scan result must not be nil")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting scan transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	scannedAt := result.ScannedAt.UTC().Unix()

	_, err = tx.ExecContext(ctx, `
INSERT INTO asset_risk (asset_id, risk_score, score_method, scan_id, last_scan_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(asset_id)
DO UPDATE SET
	risk_score = excluded.risk_score,
	score_method = excluded.score_method,
	scan_id = excluded.scan_id,
	last_scan_at = excluded.last_scan_at;
`, result.AssetID, result.RiskScore, string(result.Method), result.ScanID, scannedAt)
	if err != nil {
		return fmt.Errorf("error upserting risk score for asset %d: %w", result.AssetID, err)
	}

	for _, rec := range result.Records {
		var published sql.NullInt64
		if rec.Published != nil {
			published = sql.NullInt64{Int64: rec.Published.UTC().Unix(), Valid: true}
		}

		var threatID int64
		err = tx.QueryRowContext(ctx, `
INSERT INTO threats (source, external_id, name, description, severity, score, published_at, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source, external_id)
DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	severity = excluded.severity,
	score = excluded.score,
	published_at = excluded.published_at,
	last_seen = excluded.last_seen
RETURNING id;
`, string(rec.Source), rec.ExternalID, rec.Name, rec.Description, string(rec.Severity), rec.Score,
			published, scannedAt, scannedAt).Scan(&threatID)
		if err != nil {
			return fmt.Errorf("error upserting threat %s/%s: %w", rec.Source, rec.ExternalID, err)
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO asset_threats (asset_id, threat_id, detected_at)
VALUES (?, ?, ?)
ON CONFLICT(asset_id, threat_id) DO NOTHING;
`, result.AssetID, threatID, scannedAt)
		if err != nil {
			return fmt.Errorf("error linking threat %s/%s to asset %d: %w", rec.Source, rec.ExternalID, result.AssetID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("error committing scan for asset %d: %w", result.AssetID, err)
	}
	return nil
}

// RiskScore returns the asset's current risk. It returns dal.ErrNotFound
// when the asset has never been scanned successfully.
func (r *Repository) RiskScore(ctx context.Context, assetID int64) (*dal.AssetRisk, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT asset_id, risk_score, score_method, scan_id, last_scan_at
FROM asset_risk
WHERE asset_id = ?;
`, assetID)

	var (
		risk    dal.AssetRisk
		method  string
		scanned int64
	)
	if err := row.Scan(&risk.AssetID, &risk.RiskScore, &method, &risk.ScanID, &scanned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("risk for asset %d: %w", assetID, dal.ErrNotFound)
		}
		return nil, fmt.Errorf("error fetching risk for asset %d: %w", assetID, err)
	}
	risk.Method = intel.Method(method)
	risk.LastScanAt = time.Unix(scanned, 0).UTC()
	return &risk, nil
}

// AssetThreats returns every record linked to the asset, highest score first.
func (r *Repository) AssetThreats(ctx context.Context, assetID int64) ([]intel.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT t.source, t.external_id, t.name, t.description, t.severity, t.score, t.published_at
FROM asset_threats l
JOIN threats t ON t.id = l.threat_id
WHERE l.asset_id = ?
ORDER BY t.score DESC, t.source, t.external_id;
`, assetID)
	if err != nil {
		return nil, fmt.Errorf("error listing threats for asset %d: %w", assetID, err)
	}
	defer rows.Close()

	var out []intel.Record
	for rows.Next() {
		var (
			rec       intel.Record
			source    string
			severity  string
			published sql.NullInt64
		)
		if err := rows.Scan(&source, &rec.ExternalID, &rec.Name, &rec.Description, &severity, &rec.Score, &published); err != nil {
			return nil, fmt.Errorf("error scanning threat: %w", err)
		}
		rec.Source = intel.Source(source)
		rec.Severity = intel.Severity(severity)
		if published.Valid {
			t := time.Unix(published.Int64, 0).UTC()
			rec.Published = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordCall appends an entry to the provider call audit trail.
func (r *Repository) RecordCall(ctx context.Context, e dal.AuditEntry) error {
	params := "{}"
	if len(e.Params) > 0 {
		raw, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("error encoding audit params: %w", err)
		}
		params = string(raw)
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO api_calls_log (api_name, endpoint, request_params, response_status, response_body, outcome, attempt, error, called_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.Provider, e.Endpoint, params, e.Status, e.Body, e.Outcome, e.Attempt, e.Error, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("error recording %s call: %w", e.Provider, err)
	}
	return nil
}

// RecentCalls returns the latest audit entries for a provider, newest first.
// An empty provider returns entries for every provider.
func (r *Repository) RecentCalls(ctx context.Context, provider string, limit int) ([]dal.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT api_name, endpoint, request_params, response_status, response_body, outcome, attempt, error, called_at
FROM api_calls_log
WHERE ? = '' OR api_name = ?
ORDER BY log_id DESC
LIMIT ?;
`, provider, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing audit entries: %w", err)
	}
	defer rows.Close()

	var out []dal.AuditEntry
	for rows.Next() {
		var (
			e      dal.AuditEntry
			params string
			at     int64
		)
		if err := rows.Scan(&e.Provider, &e.Endpoint, &params, &e.Status, &e.Body, &e.Outcome, &e.Attempt, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("error scanning audit entry: %w", err)
		}
		if params != "" && params != "{}" {
			_ = json.Unmarshal([]byte(params), &e.Params)
		}
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying database resources.
func (r *Repository) Close() error {
	return r.db.Close()
}
