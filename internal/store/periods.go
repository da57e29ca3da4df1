// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"
)

const periodColumns = `
	id, owner_user_id, provider, variant, period_type, period_start, period_end,
	used_seconds, free_quota_used, paid_seconds, total_cost, created_at, updated_at`

func scanPeriod(row interface{ Scan(...any) error }) (*UsagePeriod, error) {
	var (
		p                                UsagePeriod
		start, end, createdAt, updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.OwnerUserID, &p.Provider, &p.Variant, &p.PeriodType,
		&start, &end,
		&p.UsedSeconds, &p.FreeQuotaUsed, &p.PaidSeconds, &p.TotalCost,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PeriodStart = parseTime(start)
	p.PeriodEnd = parseTime(end)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// PeriodByKey retrieves the period row for the unique key, or nil.
func (s *Store) PeriodByKey(ctx context.Context, q DBTX, owner, provider, variant string, periodType PeriodType, periodStart time.Time) (*UsagePeriod, error) {
	query := `SELECT` + periodColumns + `
	FROM usage_periods
	WHERE owner_user_id = ? AND provider = ? AND variant = ?
	  AND period_type = ? AND period_start = ?`

	p, err := scanPeriod(q.QueryRowContext(ctx, query,
		owner, provider, variant, string(periodType), fmtTime(periodStart)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// InsertPeriod inserts a fresh period row with zeroed counters. A concurrent
// insert of the same key is converted into a fetch of the winner by the
// unique constraint.
func (s *Store) InsertPeriod(ctx context.Context, q DBTX, p UsagePeriod) (*UsagePeriod, error) {
	now := fmtTime(time.Now())
	if p.ID == "" {
		p.ID = NewID()
	}

	query := `
	INSERT INTO usage_periods (
		id, owner_user_id, provider, variant, period_type, period_start,
		period_end, used_seconds, free_quota_used, paid_seconds, total_cost,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?)
	ON CONFLICT(owner_user_id, provider, variant, period_type, period_start)
	DO NOTHING
	`

	_, err := q.ExecContext(ctx, query,
		p.ID, p.OwnerUserID, p.Provider, p.Variant, string(p.PeriodType),
		fmtTime(p.PeriodStart), fmtTime(p.PeriodEnd), now, now,
	)
	if err != nil {
		return nil, err
	}

	// Re-read: either our row or the concurrent winner's.
	return s.PeriodByKey(ctx, q, p.OwnerUserID, p.Provider, p.Variant, p.PeriodType, p.PeriodStart)
}

// AddPeriodUsage applies one consumption to the period counters.
// Must run inside a write transaction together with the read that computed
// the free/paid split.
func (s *Store) AddPeriodUsage(ctx context.Context, q DBTX, periodID string, duration, free, paid, cost float64) error {
	query := `
	UPDATE usage_periods
	SET used_seconds = used_seconds + ?,
	    free_quota_used = free_quota_used + ?,
	    paid_seconds = paid_seconds + ?,
	    total_cost = total_cost + ?,
	    updated_at = ?
	WHERE id = ?`

	_, err := q.ExecContext(ctx, query, duration, free, paid, cost, fmtTime(time.Now()), periodID)
	return err
}

// ListPeriods retrieves all period rows for an owner, newest first. Serves
// the usage reporting surface.
func (s *Store) ListPeriods(ctx context.Context, q DBTX, owner string) ([]UsagePeriod, error) {
	query := `SELECT` + periodColumns + `
	FROM usage_periods
	WHERE owner_user_id = ?
	ORDER BY period_start DESC, provider, variant`

	rows, err := q.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var periods []UsagePeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, *p)
	}
	return periods, rows.Err()
}
