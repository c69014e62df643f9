// Package pipeline assembles the scan orchestrator from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/threatlens/threatscan/pkg/cache"
	"github.com/threatlens/threatscan/pkg/config"
	"github.com/threatlens/threatscan/pkg/dal"
	"github.com/threatlens/threatscan/pkg/inference"
	"github.com/threatlens/threatscan/pkg/ratelimit"
	"github.com/threatlens/threatscan/pkg/retry"
	"github.com/threatlens/threatscan/pkg/scan"
	"github.com/threatlens/threatscan/pkg/scoring"
	"github.com/threatlens/threatscan/pkg/source"
)

const inferenceLimiter = "inference"

// Pipeline owns the orchestrator and the resources behind it.
type Pipeline struct {
	Orchestrator *scan.Orchestrator
	Adapters     []source.Adapter

	closers []func() error
}

// Build wires adapters, scoring and persistence. repo doubles as the asset
// registry, scan store and provider audit log.
func Build(ctx context.Context, cfg *config.Config, repo dal.Repository, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{}

	limits := ratelimit.NewRegistry(cfg.RateCeilings())
	policy := retry.Policy{
		MaxAttempts: cfg.HTTP.RetryAttempts,
		Delay:       cfg.HTTP.RetryDelayDuration(),
	}
	deps := source.Deps{
		Client:         &http.Client{},
		Limits:         limits,
		Retry:          policy,
		Timeout:        cfg.HTTP.RequestTimeoutDuration(),
		Audit:          repo,
		AuditBodyLimit: cfg.HTTP.AuditBodyLimit,
		Logger:         log,
	}

	var techniqueCache source.Cache
	store, err := cache.Open(cfg.Storage.CachePath)
	if err != nil {
		log.Warn("technique cache unavailable, catalog will be fetched per scan", "path", cfg.Storage.CachePath, "error", err)
	} else {
		techniqueCache = store
		p.closers = append(p.closers, store.Close)
	}

	pc := cfg.Providers
	p.Adapters = []source.Adapter{
		source.NewNVD(pc.NVD.BaseURL, pc.NVD.APIKey, deps),
		source.NewOTX(pc.OTX.BaseURL, pc.OTX.APIKey, deps),
		source.NewVirusTotal(pc.VirusTotal.BaseURL, pc.VirusTotal.APIKey, deps),
		source.NewMITRE(pc.MITRE.CatalogURL, techniqueCache, pc.MITRE.CacheTTLDuration(), deps),
	}

	backend, err := inference.New(ctx, inference.Config{
		Provider: cfg.Inference.Provider,
		APIKey:   cfg.Inference.APIKey,
		Endpoint: cfg.Inference.Endpoint,
		Model:    cfg.Inference.Model,
		Client:   deps.Client,
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("inference backend: %w", err)
	}
	if backend != nil {
		p.closers = append(p.closers, backend.Close)
		log.Info("inference scoring enabled", "backend", backend.Name())
	} else {
		log.Info("no inference key configured, using fallback scoring")
	}

	engine := scoring.New(
		scoring.WithBackend(backend),
		scoring.WithWeights(cfg.Scan.Weights),
		scoring.WithMaxPromptChars(cfg.Inference.MaxPromptChars),
		scoring.WithTimeout(cfg.Inference.TimeoutDuration()),
		scoring.WithRetry(policy),
		scoring.WithLimiter(limits.Get(inferenceLimiter)),
		scoring.WithLogger(log),
	)

	p.Orchestrator = scan.New(repo, repo, p.Adapters, engine,
		scan.WithConcurrency(cfg.Scan.Concurrency),
		scan.WithLogger(log),
	)
	return p, nil
}

// Close releases the cache and inference client.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
