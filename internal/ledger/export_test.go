// SPDX-License-Identifier: MIT

package ledger

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-audio/skald/internal/store"
)

func TestExportUnreconciledAndReconcile(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir() + "/skald.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	taskA, taskB := "task-a", "task-b"
	for _, entry := range []store.LedgerEntry{
		{
			UserID: "user-1", TaskID: &taskA, Provider: "tencent", Variant: "file",
			DurationSeconds: 600, Status: store.LedgerSuccess,
			FreeQuotaConsumed: 600,
		},
		{
			UserID: "user-1", TaskID: &taskB, Provider: "aliyun", Variant: "file",
			DurationSeconds: 3600, Status: store.LedgerSuccess,
			PaidDurationSeconds: 3600, ActualPaidCost: 2.5,
		},
		{
			UserID: "user-2", TaskID: &taskA, Provider: "tencent", Variant: "file",
			DurationSeconds: 60, Status: store.LedgerFailed,
		},
	} {
		_, err := st.InsertLedger(ctx, st.DB(), entry)
		require.NoError(t, err)
	}

	exp := NewExporter(st)
	path := filepath.Join(t.TempDir(), "unreconciled.csv")

	n, err := exp.ExportUnreconciled(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n) // failed rows are not reconciled against invoices

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3) // header + 2 rows
	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, "user-1", records[1][1])

	// Reconciling drains the snapshot.
	pending, err := st.ListUnreconciled(ctx, st.DB(), 10)
	require.NoError(t, err)
	for _, e := range pending {
		require.NoError(t, exp.Reconcile(ctx, e.ID, e.ActualPaidCost))
	}

	n, err = exp.ExportUnreconciled(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}
