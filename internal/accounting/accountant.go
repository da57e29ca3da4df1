// SPDX-License-Identifier: MIT

package accounting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/store"
)

const secondsPerHour = 3600

// Accountant owns the usage_periods counters: it lazily materializes the
// current period row per (owner, provider, variant) and applies the
// free-first consumption split.
type Accountant struct {
	store  *store.Store
	logger zerolog.Logger
}

// New creates an accountant over the given store.
func New(st *store.Store) *Accountant {
	return &Accountant{
		store:  st,
		logger: log.WithComponent("accounting"),
	}
}

// Consumption is the settled split of one recorded duration.
type Consumption struct {
	DurationSeconds float64 `json:"duration_seconds"`
	FreeSeconds     float64 `json:"free_seconds"`
	PaidSeconds     float64 `json:"paid_seconds"`
	Cost            float64 `json:"cost"`
	RemainingFree   float64 `json:"remaining_free_seconds"`
}

// Estimate is the projected charge for a duration, before settlement.
type Estimate struct {
	Provider        string  `json:"provider"`
	Variant         string  `json:"variant"`
	DurationSeconds float64 `json:"duration_seconds"`
	CostPerHour     float64 `json:"cost_per_hour"`
	FreeSeconds     float64 `json:"free_seconds"`
	PaidSeconds     float64 `json:"paid_seconds"`
	EstimatedCost   float64 `json:"estimated_cost"`
	// FullCost prices the whole duration with no free tier applied, for
	// display next to the estimate.
	FullCost float64 `json:"full_cost"`
}

// GetOrCreatePeriod materializes the period row covering now for the given
// pricing config and owner, creating it with zeroed counters on first touch.
// Races on creation collapse onto a single row via the period unique key.
func (a *Accountant) GetOrCreatePeriod(ctx context.Context, q store.DBTX, cfg *store.PricingConfig, owner string, now time.Time) (*store.UsagePeriod, error) {
	periodType, start, end := PeriodBounds(cfg.ResetPeriod, now)

	p, err := a.store.PeriodByKey(ctx, q, owner, cfg.Provider, cfg.Variant, periodType, start)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	return a.store.InsertPeriod(ctx, q, store.UsagePeriod{
		OwnerUserID: owner,
		Provider:    cfg.Provider,
		Variant:     cfg.Variant,
		PeriodType:  periodType,
		PeriodStart: start,
		PeriodEnd:   end,
	})
}

// RemainingFree reports the unconsumed platform free quota for the current
// period, in seconds. Zero when the config carries no free tier.
func (a *Accountant) RemainingFree(ctx context.Context, q store.DBTX, cfg *store.PricingConfig, now time.Time) (float64, error) {
	if cfg.FreeQuotaSeconds <= 0 {
		return 0, nil
	}
	p, err := a.GetOrCreatePeriod(ctx, q, cfg, store.GlobalOwner, now)
	if err != nil {
		return 0, err
	}
	remaining := cfg.FreeQuotaSeconds - p.FreeQuotaUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// split applies the free-first rule: free = min(duration, remaining),
// paid = duration - free, cost = paid / 3600 * cost_per_hour.
func split(duration, remainingFree, costPerHour float64) (free, paid, cost float64) {
	free = duration
	if remainingFree < free {
		free = remainingFree
	}
	if free < 0 {
		free = 0
	}
	paid = duration - free
	cost = paid / secondsPerHour * costPerHour
	return free, paid, cost
}

// ConsumeTx settles a duration against the platform period counters inside
// the caller's transaction: it reads the current free balance, computes the
// free/paid split, and applies it to the period row. The caller is
// responsible for holding a write transaction so the read-compute-write is
// atomic.
func (a *Accountant) ConsumeTx(ctx context.Context, q store.DBTX, cfg *store.PricingConfig, duration float64, now time.Time) (*Consumption, error) {
	p, err := a.GetOrCreatePeriod(ctx, q, cfg, store.GlobalOwner, now)
	if err != nil {
		return nil, err
	}

	remaining := cfg.FreeQuotaSeconds - p.FreeQuotaUsed
	if remaining < 0 {
		remaining = 0
	}
	free, paid, cost := split(duration, remaining, cfg.CostPerHour)

	if err := a.store.AddPeriodUsage(ctx, q, p.ID, duration, free, paid, cost); err != nil {
		return nil, err
	}

	a.logger.Debug().
		Str(log.FieldProvider, cfg.Provider).
		Str(log.FieldVariant, cfg.Variant).
		Float64(log.FieldDuration, duration).
		Float64(log.FieldFreeSeconds, free).
		Float64(log.FieldPaidSeconds, paid).
		Float64(log.FieldCost, cost).
		Msg("period usage recorded")

	return &Consumption{
		DurationSeconds: duration,
		FreeSeconds:     free,
		PaidSeconds:     paid,
		Cost:            cost,
		RemainingFree:   remaining - free,
	}, nil
}

// RecordUserUsageTx mirrors a consumption into the user's own period bucket,
// for per-user usage reporting. Free/paid attribution follows the platform
// split already computed.
func (a *Accountant) RecordUserUsageTx(ctx context.Context, q store.DBTX, cfg *store.PricingConfig, userID string, c *Consumption, now time.Time) error {
	if userID == store.GlobalOwner {
		return nil
	}
	p, err := a.GetOrCreatePeriod(ctx, q, cfg, userID, now)
	if err != nil {
		return err
	}
	return a.store.AddPeriodUsage(ctx, q, p.ID, c.DurationSeconds, c.FreeSeconds, c.PaidSeconds, c.Cost)
}

// EstimateCost projects the charge for a duration without mutating any
// counter. The projection races with concurrent settlements; it is
// advisory only.
func (a *Accountant) EstimateCost(ctx context.Context, cfg *store.PricingConfig, duration float64, now time.Time) (*Estimate, error) {
	remaining, err := a.RemainingFree(ctx, a.store.DB(), cfg, now)
	if err != nil {
		return nil, err
	}
	free, paid, cost := split(duration, remaining, cfg.CostPerHour)

	return &Estimate{
		Provider:        cfg.Provider,
		Variant:         cfg.Variant,
		DurationSeconds: duration,
		CostPerHour:     cfg.CostPerHour,
		FreeSeconds:     free,
		PaidSeconds:     paid,
		EstimatedCost:   cost,
		FullCost:        duration / secondsPerHour * cfg.CostPerHour,
	}, nil
}
