// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const quotaColumns = `
	id, owner_user_id, provider, variant, window_type, window_start, window_end,
	quota_seconds, used_seconds, status, created_at, updated_at`

func scanQuota(row interface{ Scan(...any) error }) (*UserQuota, error) {
	var (
		q                                UserQuota
		start, end, createdAt, updatedAt string
	)
	err := row.Scan(
		&q.ID, &q.OwnerUserID, &q.Provider, &q.Variant, &q.WindowType,
		&start, &end,
		&q.QuotaSeconds, &q.UsedSeconds, &q.Status,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	q.WindowStart = parseTime(start)
	q.WindowEnd = parseTime(end)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

// ActiveQuotas retrieves the quota rows whose window contains now, scoped to
// the given providers and variant, and owned by either the platform or the
// given user. The caller resolves precedence between the two scopes.
func (s *Store) ActiveQuotas(ctx context.Context, q DBTX, providers []string, variant, userID string, now time.Time) ([]UserQuota, error) {
	if len(providers) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(providers)), ", ")
	query := `SELECT` + quotaColumns + `
	FROM user_quotas
	WHERE provider IN (` + placeholders + `)
	  AND variant = ?
	  AND window_start <= ? AND window_end >= ?
	  AND owner_user_id IN ('', ?)`

	args := make([]any, 0, len(providers)+4)
	for _, p := range providers {
		args = append(args, p)
	}
	ts := fmtTime(now)
	args = append(args, variant, ts, ts, userID)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var quotas []UserQuota
	for rows.Next() {
		uq, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, *uq)
	}
	return quotas, rows.Err()
}

// QuotaByKey retrieves the row for the unique quota key, or nil.
func (s *Store) QuotaByKey(ctx context.Context, q DBTX, owner, provider, variant string, windowType WindowType, windowStart time.Time) (*UserQuota, error) {
	query := `SELECT` + quotaColumns + `
	FROM user_quotas
	WHERE owner_user_id = ? AND provider = ? AND variant = ?
	  AND window_type = ? AND window_start = ?`

	uq, err := scanQuota(q.QueryRowContext(ctx, query,
		owner, provider, variant, string(windowType), fmtTime(windowStart)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return uq, nil
}

// ListGlobalQuotas retrieves platform-wide quota rows active at now.
func (s *Store) ListGlobalQuotas(ctx context.Context, q DBTX, now time.Time) ([]UserQuota, error) {
	query := `SELECT` + quotaColumns + `
	FROM user_quotas
	WHERE owner_user_id = ''
	  AND window_start <= ? AND window_end >= ?
	ORDER BY provider, variant, window_type`

	ts := fmtTime(now)
	rows, err := q.QueryContext(ctx, query, ts, ts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var quotas []UserQuota
	for rows.Next() {
		uq, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, *uq)
	}
	return quotas, rows.Err()
}

// SetQuotaUsage overwrites the usage counter and status of one quota row.
// Must run inside a write transaction together with the read that computed
// the new values.
func (s *Store) SetQuotaUsage(ctx context.Context, q DBTX, quotaID string, usedSeconds float64, status QuotaStatus) error {
	query := `
	UPDATE user_quotas
	SET used_seconds = ?, status = ?, updated_at = ?
	WHERE id = ?`

	_, err := q.ExecContext(ctx, query, usedSeconds, string(status), fmtTime(time.Now()), quotaID)
	return err
}

// InsertQuota inserts a fresh quota row.
func (s *Store) InsertQuota(ctx context.Context, q DBTX, uq UserQuota) (*UserQuota, error) {
	now := fmtTime(time.Now())
	if uq.ID == "" {
		uq.ID = NewID()
	}
	if uq.Status == "" {
		uq.Status = QuotaActive
	}

	query := `
	INSERT INTO user_quotas (
		id, owner_user_id, provider, variant, window_type, window_start,
		window_end, quota_seconds, used_seconds, status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.ExecContext(ctx, query,
		uq.ID, uq.OwnerUserID, uq.Provider, uq.Variant, string(uq.WindowType),
		fmtTime(uq.WindowStart), fmtTime(uq.WindowEnd),
		uq.QuotaSeconds, uq.UsedSeconds, string(uq.Status), now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.QuotaByKey(ctx, q, uq.OwnerUserID, uq.Provider, uq.Variant, uq.WindowType, uq.WindowStart)
}

// UpdateQuota overwrites the mutable fields of an existing quota row.
func (s *Store) UpdateQuota(ctx context.Context, q DBTX, uq UserQuota) error {
	query := `
	UPDATE user_quotas
	SET quota_seconds = ?, used_seconds = ?, status = ?, window_end = ?, updated_at = ?
	WHERE id = ?`

	_, err := q.ExecContext(ctx, query,
		uq.QuotaSeconds, uq.UsedSeconds, string(uq.Status),
		fmtTime(uq.WindowEnd), fmtTime(time.Now()), uq.ID,
	)
	return err
}
