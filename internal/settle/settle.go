// SPDX-License-Identifier: MIT

// Package settle turns a finished transcription attempt into accounting
// state: the free/paid split on the platform period, the user quota charge,
// and the append-only ledger row — all in one transaction, idempotent per
// (task, attempt, provider).
package settle

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/metrics"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/store"
)

// Settler performs post-transcription settlement.
type Settler struct {
	store   *store.Store
	pricing *pricing.Service
	acct    *accounting.Accountant
	limiter *quota.Limiter
	now     func() time.Time
	logger  zerolog.Logger
}

// New wires a settler.
func New(st *store.Store, ps *pricing.Service, acct *accounting.Accountant, lim *quota.Limiter) *Settler {
	return &Settler{
		store:   st,
		pricing: ps,
		acct:    acct,
		limiter: lim,
		now:     time.Now,
		logger:  log.WithComponent("settle"),
	}
}

// SuccessParams describes a completed transcription.
type SuccessParams struct {
	UserID          string
	TaskID          string
	Attempt         int
	Provider        string
	Variant         string
	DurationSeconds float64
	ExternalTaskID  string
	ProcessingTime  time.Duration
}

// FailureParams describes a failed transcription attempt.
type FailureParams struct {
	UserID       string
	TaskID       string
	Attempt      int
	Provider     string
	Variant      string
	ErrorCode    fault.Code
	ErrorMessage string
}

// Result reports what one settlement charged.
type Result struct {
	Entry       *store.LedgerEntry
	Consumption *accounting.Consumption
	// Replayed is true when the attempt had already been settled; nothing
	// was charged on this call.
	Replayed bool
}

func normalizeAttempt(attempt int) int {
	if attempt <= 0 {
		return 1
	}
	return attempt
}

// SettleSuccess applies the full settlement. Replays of an already-settled
// (task, attempt) return the existing ledger row and charge nothing; the
// transaction's write lock makes the check-then-insert race-free.
func (s *Settler) SettleSuccess(ctx context.Context, p SuccessParams) (*Result, error) {
	if p.Variant == "" {
		p.Variant = "file"
	}
	p.Attempt = normalizeAttempt(p.Attempt)
	now := s.now()

	var result Result
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.store.LedgerByAttempt(ctx, tx, p.TaskID, p.Attempt, p.Provider)
		if err != nil {
			return err
		}
		if existing != nil {
			result = Result{Entry: existing, Replayed: true}
			return nil
		}

		cfg, err := s.pricing.GetFresh(ctx, tx, p.Provider, p.Variant)
		if err != nil {
			return err
		}
		if cfg == nil {
			return fault.Newf(fault.CodeProviderNotRegistered, "no pricing for %s/%s", p.Provider, p.Variant)
		}

		consumption, err := s.acct.ConsumeTx(ctx, tx, cfg, p.DurationSeconds, now)
		if err != nil {
			return err
		}
		if err := s.acct.RecordUserUsageTx(ctx, tx, cfg, p.UserID, consumption, now); err != nil {
			return err
		}
		if err := s.limiter.RecordUsageTx(ctx, tx, p.UserID, p.Provider, p.Variant, p.DurationSeconds, now); err != nil {
			return err
		}

		entry := store.LedgerEntry{
			UserID:              p.UserID,
			TaskID:              &p.TaskID,
			Attempt:             p.Attempt,
			Provider:            p.Provider,
			Variant:             p.Variant,
			DurationSeconds:     p.DurationSeconds,
			EstimatedCost:       p.DurationSeconds / 3600 * cfg.CostPerHour,
			Status:              store.LedgerSuccess,
			FreeQuotaConsumed:   consumption.FreeSeconds,
			PaidDurationSeconds: consumption.PaidSeconds,
			ActualPaidCost:      consumption.Cost,
			CreatedAt:           now,
		}
		if p.ExternalTaskID != "" {
			entry.ExternalTaskID = &p.ExternalTaskID
		}
		if p.ProcessingTime > 0 {
			ms := p.ProcessingTime.Milliseconds()
			entry.ProcessingTimeMS = &ms
		}

		inserted, err := s.store.InsertLedger(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			// The pre-check saw no row and the insert still conflicted:
			// only possible if the key invariant is broken elsewhere.
			return fault.Newf(fault.CodeSettlementIdempotency, "ledger row for task %s attempt %d appeared mid-transaction", p.TaskID, p.Attempt)
		}

		saved, err := s.store.LedgerByAttempt(ctx, tx, p.TaskID, p.Attempt, p.Provider)
		if err != nil {
			return err
		}
		result = Result{Entry: saved, Consumption: consumption}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		metrics.RecordSettlement(p.Provider, p.Variant,
			result.Consumption.FreeSeconds, result.Consumption.PaidSeconds, result.Consumption.Cost)
		s.logger.Info().
			Str(log.FieldTaskID, p.TaskID).
			Int(log.FieldAttempt, p.Attempt).
			Str(log.FieldProvider, p.Provider).
			Str(log.FieldVariant, p.Variant).
			Float64(log.FieldDuration, p.DurationSeconds).
			Float64(log.FieldFreeSeconds, result.Consumption.FreeSeconds).
			Float64(log.FieldPaidSeconds, result.Consumption.PaidSeconds).
			Float64(log.FieldCost, result.Consumption.Cost).
			Msg("attempt settled")
	}
	return &result, nil
}

// SettleFailure appends a zero-cost ledger row for a failed attempt.
// No quota of any kind is consumed; the error taxonomy value is preserved
// for the retry path.
func (s *Settler) SettleFailure(ctx context.Context, p FailureParams) (*Result, error) {
	if p.Variant == "" {
		p.Variant = "file"
	}
	p.Attempt = normalizeAttempt(p.Attempt)
	now := s.now()

	var result Result
	err := s.store.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.store.LedgerByAttempt(ctx, tx, p.TaskID, p.Attempt, p.Provider)
		if err != nil {
			return err
		}
		if existing != nil {
			result = Result{Entry: existing, Replayed: true}
			return nil
		}

		code := string(p.ErrorCode)
		entry := store.LedgerEntry{
			UserID:    p.UserID,
			TaskID:    &p.TaskID,
			Attempt:   p.Attempt,
			Provider:  p.Provider,
			Variant:   p.Variant,
			Status:    store.LedgerFailed,
			ErrorCode: &code,
			CreatedAt: now,
		}
		if p.ErrorMessage != "" {
			entry.ErrorMessage = &p.ErrorMessage
		}

		if _, err := s.store.InsertLedger(ctx, tx, entry); err != nil {
			return err
		}
		saved, err := s.store.LedgerByAttempt(ctx, tx, p.TaskID, p.Attempt, p.Provider)
		if err != nil {
			return err
		}
		result = Result{Entry: saved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		metrics.RecordFailedSettlement(p.Provider)
		s.logger.Info().
			Str(log.FieldTaskID, p.TaskID).
			Int(log.FieldAttempt, p.Attempt).
			Str(log.FieldProvider, p.Provider).
			Str(log.FieldErrorCode, string(p.ErrorCode)).
			Msg("failed attempt recorded")
	}
	return &result, nil
}
