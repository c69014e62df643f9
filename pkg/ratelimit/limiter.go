package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/threatlens/threatscan/pkg/retry"
)

// Clock abstracts time so tests can run without real delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error { return retry.Sleep(ctx, d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Limiter spaces calls to one provider so its requests-per-minute ceiling is
// never exceeded. It is safe for concurrent use.
type Limiter struct {
	name  string
	rpm   int
	lim   *rate.Limiter
	clock Clock
}

// Name returns the provider the limiter guards.
func (l *Limiter) Name() string { return l.name }

// PerMinute returns the configured ceiling, 0 meaning unlimited.
func (l *Limiter) PerMinute() int { return l.rpm }

// Wait blocks until the next call is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return ctx.Err()
	}
	now := l.clock.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter %s: reservation rejected", l.name)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.clock.Sleep(ctx, delay); err != nil {
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// Registry holds one process-wide limiter per provider name.
type Registry struct {
	mu       sync.Mutex
	clock    Clock
	ceilings map[string]int
	limiters map[string]*Limiter
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry builds a registry from requests-per-minute ceilings keyed by
// provider name. A missing or non-positive ceiling means unlimited.
func NewRegistry(ceilings map[string]int, opts ...Option) *Registry {
	r := &Registry{
		clock:    SystemClock,
		ceilings: make(map[string]int, len(ceilings)),
		limiters: make(map[string]*Limiter),
	}
	for k, v := range ceilings {
		r.ceilings[k] = v
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the shared limiter for name, creating it on first use.
func (r *Registry) Get(name string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	rpm := r.ceilings[name]
	l := &Limiter{name: name, rpm: rpm, clock: r.clock}
	if rpm > 0 {
		l.lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	}
	r.limiters[name] = l
	return l
}
