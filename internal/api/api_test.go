// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/asr"
	"github.com/skald-audio/skald/internal/cache"
	"github.com/skald-audio/skald/internal/ledger"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/queue"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/scheduler"
	"github.com/skald-audio/skald/internal/settle"
	"github.com/skald-audio/skald/internal/store"
	"github.com/skald-audio/skald/internal/task"
)

type staticTranscriber struct{}

func (staticTranscriber) Transcribe(context.Context, string) (*asr.Result, error) {
	return &asr.Result{DurationSeconds: 1}, nil
}

type fixture struct {
	srv     http.Handler
	store   *store.Store
	pricing *pricing.Service
	jobs    *queue.MemoryPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ps := pricing.New(st, cache.NewMemory(0), time.Minute)
	acct := accounting.New(st)
	lim := quota.NewLimiter(st)

	reg := asr.NewRegistry()
	require.NoError(t, reg.Register("deepgram", "file", staticTranscriber{}))
	require.NoError(t, reg.Register("whisper", "file", staticTranscriber{}))

	sched := scheduler.New(reg, ps, acct, lim, st, nil)
	pub := queue.NewMemoryPublisher()
	gate := task.NewGate(st, ps, acct, lim, sched, nil, pub)
	settler := settle.New(st, ps, acct, lim)

	srv := NewServer(ServerParams{
		Store:             st,
		Pricing:           ps,
		Acct:              acct,
		Limiter:           lim,
		Sched:             sched,
		Gate:              gate,
		Settler:           settler,
		Exporter:          ledger.NewExporter(st),
		TaskRatePerMinute: 100,
	})

	seed := []store.PricingConfig{
		{Provider: "deepgram", Variant: "file", CostPerHour: 3.6, FreeQuotaSeconds: 3600, ResetPeriod: store.ResetMonthly, IsEnabled: true, QualityScore: 0.9},
		{Provider: "whisper", Variant: "file", CostPerHour: 1.2, ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.7},
	}
	for _, cfg := range seed {
		_, err := ps.Upsert(context.Background(), cfg)
		require.NoError(t, err)
	}

	return &fixture{srv: srv.Router(), store: st, pricing: ps, jobs: pub}
}

func (f *fixture) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

var (
	asUser  = map[string]string{"X-Skald-User": "u-1"}
	asAdmin = map[string]string{"X-Skald-User": "admin", "X-Skald-Admin": "true"}
)

func createBody(hash string) map[string]any {
	return map[string]any{
		"source_type":  "upload",
		"file_key":     "uploads/" + hash + ".mp3",
		"content_hash": hash,
		"options":      map[string]any{"language": "en"},
	}
}

func TestCreateTaskLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", createBody("abc123"), asUser)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "queued", created.Status)
	assert.NotEmpty(t, created.ID)
	assert.Len(t, f.jobs.Jobs(), 1)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second submission of the same content is rejected while queued.
	rec = f.do(t, http.MethodPost, "/api/v1/tasks", createBody("abc123"), asUser)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Another caller cannot read the task.
	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil, map[string]string{"X-Skald-User": "u-2"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deletion is refused while the task is in flight, allowed once done.
	rec = f.do(t, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil, asUser)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.store.UpdateTaskStatus(context.Background(), f.store.DB(), created.ID, store.TaskStatusCompleted, "done", 100))
	rec = f.do(t, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil, asUser)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID, nil, asUser)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnonymousRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", createBody("x"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/asr/free-quota", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSurfaceRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	body := pricingPayload{Provider: "assemblyai", Variant: "file", CostPerHour: 2.5, ResetPeriod: "none", IsEnabled: true, QualityScore: 0.8}

	rec := f.do(t, http.MethodPut, "/api/v1/asr/pricing", body, asUser)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/asr/pricing", body, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/asr/pricing", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Pricing []pricingPayload `json:"pricing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Pricing, 3)
}

func TestFreeQuotaAndEstimate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/asr/free-quota", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	var fq struct {
		FreeQuotas []freeQuotaStatus `json:"free_quotas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fq))
	require.Len(t, fq.FreeQuotas, 1)
	assert.Equal(t, "deepgram", fq.FreeQuotas[0].Provider)
	assert.Equal(t, 3600.0, fq.FreeQuotas[0].RemainingSeconds)

	rec = f.do(t, http.MethodGet, "/api/v1/asr/estimate?provider=deepgram&duration_seconds=7200", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	var est accounting.Estimate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
	assert.Equal(t, 3600.0, est.FreeSeconds)
	assert.InDelta(t, 3.6, est.EstimatedCost, 1e-9)

	rec = f.do(t, http.MethodGet, "/api/v1/asr/estimate?provider=nobody&duration_seconds=60", nil, asUser)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedulerScoresEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/asr/scheduler/scores?variant=file", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Scores []scheduler.ProviderScore `json:"scores"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Scores, 2)
	// Free tier wins while untouched.
	assert.Equal(t, "deepgram", out.Scores[0].Provider)
}

func TestSettlementCallback(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", createBody("settle-1"), asUser)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	body := settleRequest{
		UserID:          "u-1",
		TaskID:          created.ID,
		Attempt:         0,
		Provider:        "deepgram",
		Variant:         "file",
		Status:          "success",
		DurationSeconds: 600,
	}
	rec = f.do(t, http.MethodPost, "/internal/v1/settlements", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first struct {
		Replayed bool   `json:"replayed"`
		EntryID  string `json:"entry_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Replayed)

	// Replaying the same attempt settles nothing twice.
	rec = f.do(t, http.MethodPost, "/internal/v1/settlements", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var second struct {
		Replayed bool   `json:"replayed"`
		EntryID  string `json:"entry_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntryID, second.EntryID)

	// The caller sees the settled usage.
	rec = f.do(t, http.MethodGet, "/api/v1/asr/usage", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage struct {
		Usage []usageEntry `json:"usage"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	require.Equal(t, 1, usage.Total)
	assert.Equal(t, 600.0, usage.Usage[0].FreeQuotaConsumed)
	assert.Equal(t, 0.0, usage.Usage[0].ActualPaidCost)

	// And the free-quota listing reflects the consumption.
	rec = f.do(t, http.MethodGet, "/api/v1/asr/free-quota", nil, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	var fq struct {
		FreeQuotas []freeQuotaStatus `json:"free_quotas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fq))
	require.Len(t, fq.FreeQuotas, 1)
	assert.Equal(t, 3000.0, fq.FreeQuotas[0].RemainingSeconds)
}

func TestQuotaAdminRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/asr/quotas", quotaPayload{
		Provider:     "deepgram",
		Variant:      "file",
		WindowType:   "day",
		QuotaSeconds: 1800,
	}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/asr/quotas", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Quotas []store.UserQuota `json:"quotas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Quotas, 1)
	assert.Equal(t, 1800.0, listed.Quotas[0].QuotaSeconds)

	// Per-user view shadows nothing yet, so the global row shows through.
	rec = f.do(t, http.MethodGet, "/api/v1/asr/quotas?user_id=u-1&variant=file", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Quotas, 1)
}

func TestMalformedBodyRejected(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(`{"source_type": "upload", "bogus": 1}`))
	req.Header.Set("X-Skald-User", "u-1")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
