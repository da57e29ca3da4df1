// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const taskColumns = `
	id, user_id, content_hash, title, source_type, source_url, source_key,
	options, status, progress, stage, duration_seconds, error_code,
	error_message, retry_count, request_id, asr_provider,
	created_at, updated_at, deleted_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t                                   Task
		hash, title, srcURL, srcKey         sql.NullString
		stage, errCode, errMsg, reqID, prov sql.NullString
		duration                            sql.NullFloat64
		options, createdAt, updatedAt       string
		deletedAt                           sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.UserID, &hash, &title, &t.SourceType, &srcURL, &srcKey,
		&options, &t.Status, &t.Progress, &stage, &duration, &errCode,
		&errMsg, &t.RetryCount, &reqID, &prov,
		&createdAt, &updatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ContentHash = strPtr(hash)
	t.Title = strPtr(title)
	t.SourceURL = strPtr(srcURL)
	t.SourceKey = strPtr(srcKey)
	t.Options = []byte(options)
	t.Stage = strPtr(stage)
	if duration.Valid {
		v := duration.Float64
		t.DurationSeconds = &v
	}
	t.ErrorCode = strPtr(errCode)
	t.ErrorMessage = strPtr(errMsg)
	t.RequestID = strPtr(reqID)
	t.ASRProvider = strPtr(prov)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.DeletedAt = parseTimePtr(deletedAt)
	return &t, nil
}

// InsertTask persists a new task.
func (s *Store) InsertTask(ctx context.Context, q DBTX, t Task) (*Task, error) {
	now := time.Now()
	if t.ID == "" {
		t.ID = NewID()
	}
	if len(t.Options) == 0 {
		t.Options = []byte("{}")
	}

	query := `
	INSERT INTO tasks (
		id, user_id, content_hash, title, source_type, source_url, source_key,
		options, status, progress, stage, retry_count, request_id,
		asr_provider, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.ExecContext(ctx, query,
		t.ID, t.UserID, nullStr(t.ContentHash), nullStr(t.Title),
		t.SourceType, nullStr(t.SourceURL), nullStr(t.SourceKey),
		string(t.Options), t.Status, t.Progress, nullStr(t.Stage),
		t.RetryCount, nullStr(t.RequestID), nullStr(t.ASRProvider),
		fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	return s.TaskByID(ctx, q, t.ID)
}

// TaskByID retrieves a task regardless of owner, or nil.
func (s *Store) TaskByID(ctx context.Context, q DBTX, id string) (*Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks WHERE id = ?`

	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// TasksByFingerprint retrieves a user's non-deleted tasks with the given
// content hash, newest first. The pre-check gate uses it for de-duplication.
func (s *Store) TasksByFingerprint(ctx context.Context, q DBTX, userID, contentHash string) ([]Task, error) {
	query := `SELECT` + taskColumns + `
	FROM tasks
	WHERE user_id = ? AND content_hash = ? AND deleted_at IS NULL
	ORDER BY created_at DESC`

	rows, err := q.QueryContext(ctx, query, userID, contentHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task to the given status/stage/progress.
func (s *Store) UpdateTaskStatus(ctx context.Context, q DBTX, taskID, status, stage string, progress int) error {
	query := `
	UPDATE tasks
	SET status = ?, stage = ?, progress = ?, updated_at = ?
	WHERE id = ?`

	_, err := q.ExecContext(ctx, query, status, stage, progress, fmtTime(time.Now()), taskID)
	return err
}

// BumpTaskRetry increments the retry counter. Idempotent per attempt: the
// guard keeps a replayed bump from advancing the counter twice.
func (s *Store) BumpTaskRetry(ctx context.Context, q DBTX, taskID string, fromRetry int) (bool, error) {
	query := `
	UPDATE tasks
	SET retry_count = retry_count + 1, updated_at = ?
	WHERE id = ? AND retry_count = ?`

	res, err := q.ExecContext(ctx, query, fmtTime(time.Now()), taskID, fromRetry)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SoftDeleteTask marks a task deleted without removing the row.
func (s *Store) SoftDeleteTask(ctx context.Context, q DBTX, taskID string) error {
	query := `UPDATE tasks SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
	_, err := q.ExecContext(ctx, query, fmtTime(time.Now()), taskID)
	return err
}

// statusIn builds an IN clause for the given statuses.
func statusIn(statuses []string) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return placeholders, args
}

// CountTasksInStatus counts a user's non-deleted tasks in any of the given
// statuses.
func (s *Store) CountTasksInStatus(ctx context.Context, q DBTX, userID string, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders, args := statusIn(statuses)
	query := `
	SELECT COUNT(*) FROM tasks
	WHERE user_id = ? AND deleted_at IS NULL AND status IN (` + placeholders + `)`

	var n int
	err := q.QueryRowContext(ctx, query, append([]any{userID}, args...)...).Scan(&n)
	return n, err
}
