// Package scan runs one end-to-end scan of an asset: fetch from every
// provider, normalize, fuse, score and persist.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/intel"
	"github.com/threatlens/threatscan/pkg/source"
)

const DefaultConcurrency = 4

// ErrAssetNotFound is returned when the requested asset is not registered.
var ErrAssetNotFound = errors.New("asset not found")

// scanNamespace seeds deterministic scan ids.
var scanNamespace = uuid.MustParse("6f1c7a52-3f0e-4b9a-9d87-2b5f0c6e4a11")

// PersistenceError reports a scan whose result could not be committed. The
// asset's previously persisted state is unchanged.
type PersistenceError struct {
	AssetID int64
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist scan for asset %d: %v", e.AssetID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Scorer computes the risk of a fused record set.
type Scorer interface {
	Score(ctx context.Context, asset intel.Asset, records []intel.Record) (float64, intel.Method)
}

// Orchestrator sequences adapters, fusion, scoring and persistence.
type Orchestrator struct {
	assets      dal.AssetRegistry
	store       dal.ScanStore
	adapters    []source.Adapter
	scorer      Scorer
	concurrency int
	now         func() time.Time
	log         *slog.Logger
}

type Option func(*Orchestrator)

// WithClock fixes the scan timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithConcurrency bounds how many adapters fetch at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func New(assets dal.AssetRegistry, store dal.ScanStore, adapters []source.Adapter, scorer Scorer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		assets:      assets,
		store:       store,
		adapters:    adapters,
		scorer:      scorer,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run scans one asset. Provider and inference failures only degrade the
// result; the returned error is either ErrAssetNotFound, a
// *PersistenceError, or the context's error when canceled before
// persistence began.
func (o *Orchestrator) Run(ctx context.Context, assetID int64) (*intel.ScanResult, error) {
	asset, err := o.assets.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, dal.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrAssetNotFound, assetID)
		}
		return nil, fmt.Errorf("load asset %d: %w", assetID, err)
	}
	log := o.log.With("asset_id", assetID)

	batches := o.fetchAll(ctx, *asset, log)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := intel.Fuse(batches...)
	score, method := o.scorer.Score(ctx, *asset, records)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scannedAt := o.now().UTC().Truncate(time.Second)
	result := &intel.ScanResult{
		ScanID:    scanID(assetID, scannedAt),
		AssetID:   assetID,
		RiskScore: score,
		Method:    method,
		Records:   records,
		ScannedAt: scannedAt,
	}

	// Once persistence starts it runs to commit or rollback.
	if err := o.store.SaveScan(context.WithoutCancel(ctx), result); err != nil {
		log.Error("scan not persisted", "error", err)
		return nil, &PersistenceError{AssetID: assetID, Err: err}
	}

	log.Info("scan complete", "scan_id", result.ScanID, "risk_score", score, "method", method, "records", len(records))
	return result, nil
}

// fetchAll runs every adapter and normalizes its output. Results are
// returned in adapter order regardless of completion order.
func (o *Orchestrator) fetchAll(ctx context.Context, asset intel.Asset, log *slog.Logger) [][]intel.Record {
	slots := make([][]intel.Record, len(o.adapters))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, a := range o.adapters {
		i, a := i, a
		g.Go(func() error {
			slots[i] = normalizeAll(a.Source(), a.Fetch(ctx, asset), log)
			return nil
		})
	}
	_ = g.Wait()
	return slots
}

func normalizeAll(src intel.Source, raws []intel.RawRecord, log *slog.Logger) []intel.Record {
	out := make([]intel.Record, 0, len(raws))
	for _, raw := range raws {
		s := raw.Source
		if s == "" {
			s = src
		}
		rec, err := intel.Normalize(s, raw.Payload)
		if err != nil {
			log.Warn("dropping malformed record", "source", s, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func scanID(assetID int64, at time.Time) string {
	name := strconv.FormatInt(assetID, 10) + "@" + strconv.FormatInt(at.Unix(), 10)
	return uuid.NewSHA1(scanNamespace, []byte(name)).String()
}
