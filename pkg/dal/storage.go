package dal

import (
	"context"
	"errors"
	"time"

	"github.com/threatlens/threatscan/pkg/intel"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AssetRegistry resolves asset identifiers to asset attributes.
type AssetRegistry interface {
	GetAsset(ctx context.Context, id int64) (*intel.Asset, error)
}

// AssetLister enumerates registered assets.
type AssetLister interface {
	ListAssetIDs(ctx context.Context) ([]int64, error)
}

// ScanStore persists the outcome of a scan. SaveScan must be atomic: either
// every write of the result is committed or none is.
type ScanStore interface {
	SaveScan(ctx context.Context, result *intel.ScanResult) error
}

// AssetRisk is the current persisted risk of an asset.
type AssetRisk struct {
	AssetID    int64        `json:"asset_id"`
	RiskScore  float64      `json:"risk_score"`
	Method     intel.Method `json:"score_method"`
	ScanID     string       `json:"scan_id"`
	LastScanAt time.Time    `json:"last_scan_at"`
}

// AuditEntry describes one outbound provider call.
type AuditEntry struct {
	Provider string
	Endpoint string
	Params   map[string]string
	Status   int
	Body     string
	Outcome  string
	Attempt  int
	Error    string
	At       time.Time
}

// AuditLog records outbound provider calls for later replay.
type AuditLog interface {
	RecordCall(ctx context.Context, entry AuditEntry) error
}

// Repository defines the full contract the scan pipeline requires from its
// datastore.
type Repository interface {
	AssetRegistry
	AssetLister
	ScanStore
	AuditLog
	Close() error
}
