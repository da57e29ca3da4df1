// SPDX-License-Identifier: MIT

package quota

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/metrics"
	"github.com/skald-audio/skald/internal/store"
)

// Limiter resolves and enforces the effective quota set for a user.
type Limiter struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(st *store.Store) *Limiter {
	return &Limiter{
		store:  st,
		logger: log.WithComponent("quota"),
	}
}

// Effective resolves the quota rows that govern userID for the given
// providers: per (provider, variant), a user-scoped row set fully shadows
// the platform defaults. An empty result means the user is unlimited on
// every listed provider.
func (l *Limiter) Effective(ctx context.Context, q store.DBTX, userID string, providers []string, variant string, now time.Time) ([]store.UserQuota, error) {
	rows, err := l.store.ActiveQuotas(ctx, q, providers, variant, userID, now)
	if err != nil {
		return nil, err
	}

	userScoped := make(map[string]bool)
	for _, r := range rows {
		if r.OwnerUserID != store.GlobalOwner {
			userScoped[r.Provider] = true
		}
	}

	effective := rows[:0]
	for _, r := range rows {
		if r.OwnerUserID == store.GlobalOwner && userScoped[r.Provider] {
			continue
		}
		effective = append(effective, r)
	}
	return effective, nil
}

// Available reports whether userID may consume the provider right now.
// No governing rows means unlimited; otherwise every effective row must be
// active with headroom left.
func (l *Limiter) Available(ctx context.Context, q store.DBTX, userID, provider, variant string, now time.Time) (bool, error) {
	rows, err := l.Effective(ctx, q, userID, []string{provider}, variant, now)
	if err != nil {
		return false, err
	}
	for i := range rows {
		if !rows[i].Available() {
			return false, nil
		}
	}
	return true, nil
}

// Score grades the user's remaining headroom on a provider in [0, 1] as
// the aggregate remaining ratio (Σquota − Σused) / Σquota over the
// effective rows. Unlimited scores 1.0.
func (l *Limiter) Score(ctx context.Context, userID, provider, variant string, now time.Time) (float64, error) {
	rows, err := l.Effective(ctx, l.store.DB(), userID, []string{provider}, variant, now)
	if err != nil {
		return 0, err
	}
	return ScoreRows(rows), nil
}

// ScoreRows computes the aggregate remaining ratio over an already-resolved
// effective set.
func ScoreRows(rows []store.UserQuota) float64 {
	if len(rows) == 0 {
		return 1.0
	}
	var quota, used float64
	for i := range rows {
		quota += rows[i].QuotaSeconds
		used += rows[i].UsedSeconds
	}
	if quota <= 0 {
		return 0
	}
	score := (quota - used) / quota
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// RecordUsageTx charges a settled duration against every effective row,
// flipping rows that run out to exhausted. Runs inside the settlement
// transaction so the read-modify-write is atomic with the ledger insert.
func (l *Limiter) RecordUsageTx(ctx context.Context, q store.DBTX, userID, provider, variant string, duration float64, now time.Time) error {
	rows, err := l.Effective(ctx, q, userID, []string{provider}, variant, now)
	if err != nil {
		return err
	}

	for i := range rows {
		r := &rows[i]
		used := r.UsedSeconds + duration
		status := store.QuotaActive
		if used >= r.QuotaSeconds {
			status = store.QuotaExhausted
		}
		if err := l.store.SetQuotaUsage(ctx, q, r.ID, used, status); err != nil {
			return err
		}
		if status == store.QuotaExhausted && r.Status != store.QuotaExhausted {
			metrics.QuotaExhaustions.WithLabelValues(provider).Inc()
			l.logger.Info().
				Str(log.FieldUserID, userID).
				Str(log.FieldProvider, provider).
				Str(log.FieldVariant, variant).
				Str("window_type", string(r.WindowType)).
				Msg("quota window exhausted")
		}
	}
	return nil
}

// UpsertParams describes an administrative quota write. An empty Owner
// targets the platform-wide default row.
type UpsertParams struct {
	Owner        string
	Provider     string
	Variant      string
	WindowType   store.WindowType
	QuotaSeconds float64
	// ResetUsage zeroes the consumed counter of an existing row instead of
	// carrying it into the new allowance.
	ResetUsage bool
}

// Upsert creates or adjusts the quota row for the current window. Shrinking
// an allowance below what is already consumed marks the row exhausted
// rather than erroring; past consumption stands.
func (l *Limiter) Upsert(ctx context.Context, p UpsertParams, now time.Time) (*store.UserQuota, error) {
	if p.Provider == "" {
		return nil, fault.Newf(fault.CodeMissingRequiredParameter, "provider is required")
	}
	if p.Variant == "" {
		p.Variant = "file"
	}
	if !p.WindowType.Valid() {
		return nil, fault.Newf(fault.CodeInvalidParameter, "unknown window_type %q", p.WindowType)
	}
	if p.QuotaSeconds < 0 {
		return nil, fault.Newf(fault.CodeInvalidParameter, "quota_seconds must be >= 0")
	}

	start, end := WindowBounds(p.WindowType, now)

	var saved *store.UserQuota
	err := l.store.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := l.store.QuotaByKey(ctx, tx, p.Owner, p.Provider, p.Variant, p.WindowType, start)
		if err != nil {
			return err
		}

		if existing == nil {
			row := store.UserQuota{
				OwnerUserID:  p.Owner,
				Provider:     p.Provider,
				Variant:      p.Variant,
				WindowType:   p.WindowType,
				WindowStart:  start,
				WindowEnd:    end,
				QuotaSeconds: p.QuotaSeconds,
				Status:       store.QuotaActive,
			}
			// A zero allowance is exhausted from the start.
			if row.UsedSeconds >= row.QuotaSeconds {
				row.Status = store.QuotaExhausted
			}
			saved, err = l.store.InsertQuota(ctx, tx, row)
			return err
		}

		existing.QuotaSeconds = p.QuotaSeconds
		if p.ResetUsage {
			existing.UsedSeconds = 0
		}
		if existing.UsedSeconds >= existing.QuotaSeconds {
			existing.Status = store.QuotaExhausted
		} else {
			existing.Status = store.QuotaActive
		}
		if err := l.store.UpdateQuota(ctx, tx, *existing); err != nil {
			return err
		}
		saved = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info().
		Str(log.FieldUserID, p.Owner).
		Str(log.FieldProvider, p.Provider).
		Str(log.FieldVariant, p.Variant).
		Str("window_type", string(p.WindowType)).
		Float64("quota_seconds", p.QuotaSeconds).
		Msg("quota upserted")

	return saved, nil
}

// ListGlobal retrieves the platform default rows active at now, for the
// admin surface.
func (l *Limiter) ListGlobal(ctx context.Context, now time.Time) ([]store.UserQuota, error) {
	return l.store.ListGlobalQuotas(ctx, l.store.DB(), now)
}
