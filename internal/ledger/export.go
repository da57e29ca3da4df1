// SPDX-License-Identifier: MIT

// Package ledger serves the reconciliation collaborator: it snapshots
// unreconciled usage rows to CSV and applies the reconciliation outcome
// back onto the ledger.
package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/store"
)

// exportBatchSize bounds one CSV snapshot.
const exportBatchSize = 10000

var csvHeader = []string{
	"id", "user_id", "task_id", "attempt", "provider", "variant",
	"external_task_id", "duration_seconds", "estimated_cost",
	"free_quota_consumed", "paid_duration_seconds", "actual_paid_cost",
	"created_at",
}

// Exporter writes reconciliation snapshots.
type Exporter struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewExporter creates an exporter over the given store.
func NewExporter(st *store.Store) *Exporter {
	return &Exporter{
		store:  st,
		logger: log.WithComponent("ledger"),
	}
}

// ExportUnreconciled writes the oldest unreconciled success rows to path as
// CSV. The file is written atomically so the reconciliation job never reads
// a half-written snapshot. Returns the number of exported rows.
func (e *Exporter) ExportUnreconciled(ctx context.Context, path string) (int, error) {
	entries, err := e.store.ListUnreconciled(ctx, e.store.DB(), exportBatchSize)
	if err != nil {
		return 0, err
	}

	f, err := renameio.NewPendingFile(path)
	if err != nil {
		return 0, fmt.Errorf("stage export file: %w", err)
	}
	defer func() { _ = f.Cleanup() }()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return 0, err
	}
	for i := range entries {
		if err := w.Write(csvRecord(&entries[i])); err != nil {
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("replace export file: %w", err)
	}

	e.logger.Info().Int("rows", len(entries)).Str("path", path).Msg("ledger snapshot exported")
	return len(entries), nil
}

func csvRecord(entry *store.LedgerEntry) []string {
	taskID := ""
	if entry.TaskID != nil {
		taskID = *entry.TaskID
	}
	externalID := ""
	if entry.ExternalTaskID != nil {
		externalID = *entry.ExternalTaskID
	}
	return []string{
		entry.ID,
		entry.UserID,
		taskID,
		strconv.Itoa(entry.Attempt),
		entry.Provider,
		entry.Variant,
		externalID,
		strconv.FormatFloat(entry.DurationSeconds, 'f', -1, 64),
		strconv.FormatFloat(entry.EstimatedCost, 'f', -1, 64),
		strconv.FormatFloat(entry.FreeQuotaConsumed, 'f', -1, 64),
		strconv.FormatFloat(entry.PaidDurationSeconds, 'f', -1, 64),
		strconv.FormatFloat(entry.ActualPaidCost, 'f', -1, 64),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Reconcile records the invoice-confirmed cost on one ledger row. This and
// the reconciled flag are the only post-insert mutations the ledger admits.
func (e *Exporter) Reconcile(ctx context.Context, entryID string, actualCost float64) error {
	return e.store.MarkReconciled(ctx, e.store.DB(), entryID, actualCost, time.Now())
}
