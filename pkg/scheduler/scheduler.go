// Package scheduler rescans every registered asset on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/intel"
)

// Runner scans one asset.
type Runner interface {
	Run(ctx context.Context, assetID int64) (*intel.ScanResult, error)
}

// Summary counts the outcome of one pass over all assets.
type Summary struct {
	Scanned int
	Failed  int
}

type Scheduler struct {
	spec    string
	assets  dal.AssetLister
	runner  Runner
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

// New validates spec (standard five-field cron or a descriptor such as
// "@every 6h") and builds a stopped scheduler. timeout bounds each asset's
// scan; zero means no bound.
func New(spec string, assets dal.AssetLister, runner Runner, timeout time.Duration, log *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid rescan schedule %q: %w", spec, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		spec:    spec,
		assets:  assets,
		runner:  runner,
		timeout: timeout,
		log:     log.With("component", "scheduler"),
	}, nil
}

// Start runs RunAll on every tick until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.RunAll(ctx) }); err != nil {
		return fmt.Errorf("schedule rescans: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("rescans scheduled", "schedule", s.spec)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunAll scans every registered asset in id order. A pass already in
// progress makes the call a no-op. Per-asset failures are logged and
// counted, never returned.
func (s *Scheduler) RunAll(ctx context.Context) Summary {
	var sum Summary
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("rescan skipped, previous pass still running")
		return sum
	}
	defer s.running.Store(false)

	ids, err := s.assets.ListAssetIDs(ctx)
	if err != nil {
		s.log.Error("failed to list assets", "error", err)
		return sum
	}

	started := time.Now()
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.scanOne(ctx, id); err != nil {
			sum.Failed++
			s.log.Error("rescan failed", "asset_id", id, "error", err)
			continue
		}
		sum.Scanned++
	}
	s.log.Info("rescan pass complete", "scanned", sum.Scanned, "failed", sum.Failed, "duration", time.Since(started))
	return sum
}

func (s *Scheduler) scanOne(ctx context.Context, id int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("rescan panic recovered", "asset_id", id, "stack", string(debug.Stack()))
		}
	}()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_, err = s.runner.Run(ctx, id)
	return err
}
