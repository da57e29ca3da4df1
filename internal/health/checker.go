// SPDX-License-Identifier: MIT

// Package health tracks per-provider reachability for the scheduler's
// health dimension. A background prober refreshes states; settlement
// callbacks may also feed observed outcomes in directly.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/skald-audio/skald/internal/log"
)

// State is the last known condition of a provider.
type State string

const (
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateUnknown   State = "unknown"
	StateChecking  State = "checking"
)

// Score maps a state to the scheduler's health sub-score. Unhealthy
// providers score zero and are dropped from the candidate set.
func (s State) Score() float64 {
	switch s {
	case StateHealthy:
		return 1.0
	case StateUnhealthy:
		return 0.0
	default:
		return 0.5
	}
}

// ProbeFunc checks one provider. A nil error marks it healthy.
type ProbeFunc func(ctx context.Context, provider string) error

// Checker caches provider states and refreshes them on an interval,
// throttling outbound probes with a shared rate limiter.
type Checker struct {
	mu       sync.RWMutex
	states   map[string]State
	probedAt map[string]time.Time

	probe     ProbeFunc
	providers func() []string
	interval  time.Duration
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithProbeRate caps outbound probes at r per second with the given burst.
func WithProbeRate(r float64, burst int) Option {
	return func(c *Checker) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithInterval sets the refresh cadence of the background loop.
func WithInterval(d time.Duration) Option {
	return func(c *Checker) { c.interval = d }
}

// NewChecker creates a checker. providers supplies the names to probe each
// cycle (typically Registry.Providers); probe may be nil, in which case
// states change only through Report.
func NewChecker(providers func() []string, probe ProbeFunc, opts ...Option) *Checker {
	c := &Checker{
		states:    make(map[string]State),
		probedAt:  make(map[string]time.Time),
		probe:     probe,
		providers: providers,
		interval:  time.Minute,
		limiter:   rate.NewLimiter(rate.Limit(2), 4),
		logger:    log.WithComponent("health"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the last known state of a provider; never-seen providers
// are unknown.
func (c *Checker) State(provider string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.states[provider]; ok {
		return s
	}
	return StateUnknown
}

// Score returns the health sub-score of a provider.
func (c *Checker) Score(provider string) float64 {
	return c.State(provider).Score()
}

// Report feeds an observed outcome (e.g. a settlement callback) into the
// state table without waiting for the next probe cycle.
func (c *Checker) Report(provider string, healthy bool) {
	state := StateHealthy
	if !healthy {
		state = StateUnhealthy
	}
	c.setState(provider, state)
}

// Snapshot returns a copy of the current state table.
func (c *Checker) Snapshot() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

func (c *Checker) setState(provider string, s State) {
	c.mu.Lock()
	prev := c.states[provider]
	c.states[provider] = s
	c.probedAt[provider] = time.Now()
	c.mu.Unlock()

	if prev != s && (s == StateUnhealthy || prev == StateUnhealthy) {
		c.logger.Warn().
			Str(log.FieldProvider, provider).
			Str("from", string(prev)).
			Str("to", string(s)).
			Msg("provider health changed")
	}
}

// CheckAll probes every registered provider once, respecting the rate
// limiter. Errors from individual probes are recorded, not returned.
func (c *Checker) CheckAll(ctx context.Context) {
	if c.probe == nil {
		return
	}
	for _, provider := range c.providers() {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.setState(provider, StateChecking)
		if err := c.probe(ctx, provider); err != nil {
			c.logger.Debug().Err(err).Str(log.FieldProvider, provider).Msg("probe failed")
			c.setState(provider, StateUnhealthy)
			continue
		}
		c.setState(provider, StateHealthy)
	}
}

// Run drives the probe loop until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}
