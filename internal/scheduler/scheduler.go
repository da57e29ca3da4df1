// SPDX-License-Identifier: MIT

// Package scheduler ranks (provider, variant) candidates along six weighted
// dimensions and picks the best eligible provider for a task.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/asr"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/metrics"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/store"
)

// maxCostPerHour normalises the cost dimension: anything at or above this
// rate scores zero.
const maxCostPerHour = 5.0

// Weights is one scoring vector over the six dimensions.
type Weights struct {
	FreeQuota float64 `json:"free_quota" yaml:"free_quota"`
	Health    float64 `json:"health" yaml:"health"`
	Cost      float64 `json:"cost" yaml:"cost"`
	Quota     float64 `json:"quota" yaml:"quota"`
	Quality   float64 `json:"quality" yaml:"quality"`
	Features  float64 `json:"features" yaml:"features"`
}

// DefaultWeights favours spending platform free tiers first.
var DefaultWeights = Weights{
	FreeQuota: 0.30, Health: 0.20, Cost: 0.15,
	Quota: 0.10, Quality: 0.15, Features: 0.10,
}

// FeatureWeights applies when the task asserts capability flags; the
// features dimension dominates so an unsupporting provider loses.
var FeatureWeights = Weights{
	FreeQuota: 0.20, Health: 0.15, Cost: 0.10,
	Quota: 0.10, Quality: 0.15, Features: 0.30,
}

// Features are the capability flags a task may assert.
type Features struct {
	Diarization bool `json:"diarization"`
	WordLevel   bool `json:"word_level"`
}

// Any reports whether at least one flag is asserted.
func (f Features) Any() bool {
	return f.Diarization || f.WordLevel
}

// SubScores are the per-dimension scores of one candidate, each in [0, 1].
type SubScores struct {
	FreeQuota float64 `json:"free_quota"`
	Health    float64 `json:"health"`
	Cost      float64 `json:"cost"`
	Quota     float64 `json:"quota"`
	Quality   float64 `json:"quality"`
	Features  float64 `json:"features"`
}

// ProviderScore is one row of the diagnostic score table.
type ProviderScore struct {
	Provider      string    `json:"provider"`
	Variant       string    `json:"variant"`
	Scores        SubScores `json:"scores"`
	Total         float64   `json:"total"`
	FreeRemaining float64   `json:"free_remaining_seconds"`
	CostPerHour   float64   `json:"cost_per_hour"`
	Available     bool      `json:"quota_available"`
	Unlimited     bool      `json:"quota_unlimited"`
}

// HealthScorer grades provider reachability; a nil scorer treats every
// provider as healthy.
type HealthScorer interface {
	Score(provider string) float64
}

// Request describes one scheduling decision.
type Request struct {
	UserID string
	// Variant selects the pricing pair; empty means "file".
	Variant string
	// Preferred narrows the candidate set; an empty intersection with the
	// registry falls back to the full set.
	Preferred []string
	// Weights overrides the built-in vectors when non-nil.
	Weights  *Weights
	Features Features
}

// Scheduler ranks candidates and selects providers.
type Scheduler struct {
	registry *asr.Registry
	pricing  *pricing.Service
	acct     *accounting.Accountant
	limiter  *quota.Limiter
	health   HealthScorer
	store    *store.Store
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	override *Weights
}

// New creates a scheduler. health may be nil.
func New(reg *asr.Registry, ps *pricing.Service, acct *accounting.Accountant, lim *quota.Limiter, st *store.Store, health HealthScorer) *Scheduler {
	return &Scheduler{
		registry: reg,
		pricing:  ps,
		acct:     acct,
		limiter:  lim,
		health:   health,
		store:    st,
		now:      time.Now,
		logger:   log.WithComponent("scheduler"),
	}
}

// candidate carries everything scoring needs, resolved in one pass.
type candidate struct {
	provider      string
	variant       string
	cfg           *store.PricingConfig
	freeRemaining float64
	quotaRows     []store.UserQuota
	available     bool
	unlimited     bool
}

func variantOf(req Request) string {
	if req.Variant == "" {
		return "file"
	}
	return req.Variant
}

// candidates applies the candidate-set rules: registry order, preferred
// narrowing with fallback, pricing presence and enabled flag, then the
// eligibility union available ∪ has_free_remaining ∪ unlimited. Platform
// free-tier seconds are not gated by user quotas: a user out of paid budget
// may still spend remaining free seconds.
func (s *Scheduler) candidates(ctx context.Context, req Request) ([]candidate, error) {
	providers := s.registry.Providers()
	if len(req.Preferred) > 0 {
		preferred := make(map[string]bool, len(req.Preferred))
		for _, p := range req.Preferred {
			preferred[p] = true
		}
		narrowed := make([]string, 0, len(providers))
		for _, p := range providers {
			if preferred[p] {
				narrowed = append(narrowed, p)
			}
		}
		if len(narrowed) > 0 {
			providers = narrowed
		}
	}

	variant := variantOf(req)
	now := s.now()

	var out []candidate
	for _, provider := range providers {
		cfg, err := s.pricing.Get(ctx, provider, variant)
		if err != nil {
			return nil, err
		}
		if cfg == nil || !cfg.IsEnabled {
			continue
		}

		rows, err := s.limiter.Effective(ctx, s.store.DB(), req.UserID, []string{provider}, variant, now)
		if err != nil {
			return nil, err
		}

		c := candidate{
			provider:  provider,
			variant:   variant,
			cfg:       cfg,
			quotaRows: rows,
			unlimited: len(rows) == 0,
			available: true,
		}
		for i := range rows {
			if !rows[i].Available() {
				c.available = false
				break
			}
		}

		c.freeRemaining, err = s.acct.RemainingFree(ctx, s.store.DB(), cfg, now)
		if err != nil {
			return nil, err
		}

		if !c.available && !c.unlimited && c.freeRemaining <= 0 {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// HasCandidates reports whether any provider survives the eligibility
// filter; the pre-check gate uses it for unpinned requests.
func (s *Scheduler) HasCandidates(ctx context.Context, req Request) (bool, error) {
	cands, err := s.candidates(ctx, req)
	if err != nil {
		return false, err
	}
	return len(cands) > 0, nil
}

func (s *Scheduler) healthScore(provider string) float64 {
	if s.health == nil {
		return 1.0
	}
	return s.health.Score(provider)
}

func (s *Scheduler) score(c candidate, features Features) SubScores {
	var sub SubScores

	if c.cfg.FreeQuotaSeconds > 0 {
		sub.FreeQuota = c.freeRemaining / c.cfg.FreeQuotaSeconds
	}

	sub.Health = s.healthScore(c.provider)

	sub.Cost = 1 - c.cfg.CostPerHour/maxCostPerHour
	if sub.Cost < 0 {
		sub.Cost = 0
	}

	sub.Quota = quota.ScoreRows(c.quotaRows)
	sub.Quality = c.cfg.QualityScore

	if !features.Any() {
		sub.Features = 0.5
	} else {
		required, matched := 0, 0
		if features.Diarization {
			required++
			if c.cfg.SupportsDiarization {
				matched++
			}
		}
		if features.WordLevel {
			required++
			if c.cfg.SupportsWordLevel {
				matched++
			}
		}
		sub.Features = float64(matched) / float64(required)
	}

	return sub
}

func (w Weights) total(s SubScores) float64 {
	return w.FreeQuota*s.FreeQuota +
		w.Health*s.Health +
		w.Cost*s.Cost +
		w.Quota*s.Quota +
		w.Quality*s.Quality +
		w.Features*s.Features
}

// SetDefaultWeights replaces the built-in default vector, typically from a
// configuration reload. A nil w restores the built-in defaults. Feature
// requests keep their own vector either way.
func (s *Scheduler) SetDefaultWeights(w *Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == nil {
		s.override = nil
		return
	}
	cp := *w
	s.override = &cp
}

func (s *Scheduler) weightsFor(req Request) Weights {
	if req.Weights != nil {
		return *req.Weights
	}
	if req.Features.Any() {
		return FeatureWeights
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override != nil {
		return *s.override
	}
	return DefaultWeights
}

// scoreAll resolves candidates and scores them in candidate order, dropping
// unhealthy providers before scoring.
func (s *Scheduler) scoreAll(ctx context.Context, req Request) ([]ProviderScore, error) {
	cands, err := s.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	weights := s.weightsFor(req)
	scores := make([]ProviderScore, 0, len(cands))
	for _, c := range cands {
		if s.healthScore(c.provider) == 0 {
			continue
		}
		sub := s.score(c, req.Features)
		scores = append(scores, ProviderScore{
			Provider:      c.provider,
			Variant:       c.variant,
			Scores:        sub,
			Total:         weights.total(sub),
			FreeRemaining: c.freeRemaining,
			CostPerHour:   c.cfg.CostPerHour,
			Available:     c.available,
			Unlimited:     c.unlimited,
		})
	}
	return scores, nil
}

// Select returns the winning provider for the request, or
// all_asr_providers_exhausted when no candidate survives. Ties break by
// candidate order, which follows registry registration order.
func (s *Scheduler) Select(ctx context.Context, req Request) (*ProviderScore, error) {
	scores, err := s.scoreAll(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return nil, fault.Newf(fault.CodeAllProvidersExhausted, "no viable provider")
	}

	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i].Total > scores[best].Total {
			best = i
		}
	}

	winner := scores[best]
	metrics.SchedulerDecisions.WithLabelValues(winner.Provider).Inc()
	metrics.SchedulerScore.WithLabelValues(winner.Provider).Observe(winner.Total)

	s.logger.Info().
		Str(log.FieldUserID, req.UserID).
		Str(log.FieldProvider, winner.Provider).
		Str(log.FieldVariant, winner.Variant).
		Float64("score", winner.Total).
		Int("candidates", len(scores)).
		Msg("provider selected")

	return &winner, nil
}

// Scores returns the full diagnostic table, ranked best first. The sort is
// stable so equal totals keep candidate order.
func (s *Scheduler) Scores(ctx context.Context, req Request) ([]ProviderScore, error) {
	scores, err := s.scoreAll(ctx, req)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Total > scores[j].Total
	})
	return scores, nil
}
