// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"
)

const ledgerColumns = `
	id, user_id, task_id, attempt, provider, variant, external_task_id,
	duration_seconds, estimated_cost, actual_cost, status, error_code,
	error_message, processing_time_ms, free_quota_consumed,
	paid_duration_seconds, actual_paid_cost, reconciled, reconciled_at,
	created_at`

func scanLedger(row interface{ Scan(...any) error }) (*LedgerEntry, error) {
	var (
		e                                   LedgerEntry
		taskID, externalID, errCode, errMsg sql.NullString
		actualCost                          sql.NullFloat64
		processingMS                        sql.NullInt64
		reconciledAt                        sql.NullString
		createdAt                           string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &taskID, &e.Attempt, &e.Provider, &e.Variant,
		&externalID, &e.DurationSeconds, &e.EstimatedCost, &actualCost,
		&e.Status, &errCode, &errMsg, &processingMS,
		&e.FreeQuotaConsumed, &e.PaidDurationSeconds, &e.ActualPaidCost,
		&e.Reconciled, &reconciledAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.TaskID = strPtr(taskID)
	e.ExternalTaskID = strPtr(externalID)
	e.ErrorCode = strPtr(errCode)
	e.ErrorMessage = strPtr(errMsg)
	if actualCost.Valid {
		v := actualCost.Float64
		e.ActualCost = &v
	}
	if processingMS.Valid {
		v := processingMS.Int64
		e.ProcessingTimeMS = &v
	}
	e.ReconciledAt = parseTimePtr(reconciledAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// InsertLedger appends a ledger entry. The unique constraint on
// (task_id, attempt, provider) is the settlement idempotency key: a
// duplicate insert is reported as inserted=false and the caller must not
// apply counter mutations.
func (s *Store) InsertLedger(ctx context.Context, q DBTX, e LedgerEntry) (inserted bool, err error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Attempt == 0 {
		e.Attempt = 1
	}

	query := `
	INSERT INTO usage_ledger (
		id, user_id, task_id, attempt, provider, variant, external_task_id,
		duration_seconds, estimated_cost, actual_cost, status, error_code,
		error_message, processing_time_ms, free_quota_consumed,
		paid_duration_seconds, actual_paid_cost, reconciled, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	ON CONFLICT(task_id, attempt, provider) DO NOTHING`

	var actualCost any
	if e.ActualCost != nil {
		actualCost = *e.ActualCost
	}
	var processingMS any
	if e.ProcessingTimeMS != nil {
		processingMS = *e.ProcessingTimeMS
	}

	res, err := q.ExecContext(ctx, query,
		e.ID, e.UserID, nullStr(e.TaskID), e.Attempt, e.Provider, e.Variant,
		nullStr(e.ExternalTaskID), e.DurationSeconds, e.EstimatedCost,
		actualCost, string(e.Status), nullStr(e.ErrorCode),
		nullStr(e.ErrorMessage), processingMS, e.FreeQuotaConsumed,
		e.PaidDurationSeconds, e.ActualPaidCost, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LedgerByAttempt retrieves the entry for (task, attempt, provider), or nil.
func (s *Store) LedgerByAttempt(ctx context.Context, q DBTX, taskID string, attempt int, provider string) (*LedgerEntry, error) {
	query := `SELECT` + ledgerColumns + `
	FROM usage_ledger
	WHERE task_id = ? AND attempt = ? AND provider = ?`

	e, err := scanLedger(q.QueryRowContext(ctx, query, taskID, attempt, provider))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ListLedgerByUser retrieves a user's entries, newest first, paginated.
func (s *Store) ListLedgerByUser(ctx context.Context, q DBTX, userID string, limit, offset int) ([]LedgerEntry, int, error) {
	var total int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_ledger WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT` + ledgerColumns + `
	FROM usage_ledger
	WHERE user_id = ?
	ORDER BY created_at DESC
	LIMIT ? OFFSET ?`

	rows, err := q.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, *e)
	}
	return entries, total, rows.Err()
}

// ListUnreconciled retrieves successful entries not yet reconciled, oldest
// first, for the reconciliation export.
func (s *Store) ListUnreconciled(ctx context.Context, q DBTX, limit int) ([]LedgerEntry, error) {
	query := `SELECT` + ledgerColumns + `
	FROM usage_ledger
	WHERE reconciled = 0 AND status = 'success'
	ORDER BY created_at
	LIMIT ?`

	rows, err := q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// MarkReconciled records the reconciliation outcome on an entry. This and
// actual_cost are the only post-insert mutations the schema admits.
func (s *Store) MarkReconciled(ctx context.Context, q DBTX, entryID string, actualCost float64, at time.Time) error {
	query := `
	UPDATE usage_ledger
	SET reconciled = 1, actual_cost = ?, reconciled_at = ?
	WHERE id = ?`

	_, err := q.ExecContext(ctx, query, actualCost, fmtTime(at), entryID)
	return err
}
