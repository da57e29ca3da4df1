// SPDX-License-Identifier: MIT

package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/asr"
	"github.com/skald-audio/skald/internal/cache"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/queue"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/scheduler"
	"github.com/skald-audio/skald/internal/store"
)

type nopTranscriber struct{}

func (nopTranscriber) Transcribe(ctx context.Context, audioRef string) (*asr.Result, error) {
	return &asr.Result{}, nil
}

type fixture struct {
	gate  *Gate
	store *store.Store
	lim   *quota.Limiter
	pub   *queue.MemoryPublisher
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/skald.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := asr.NewRegistry()
	require.NoError(t, reg.Register("tencent", "file", nopTranscriber{}))

	ps := pricing.New(st, cache.NewNoOp(), time.Minute)
	acct := accounting.New(st)
	lim := quota.NewLimiter(st)
	sched := scheduler.New(reg, ps, acct, lim, st, nil)
	pub := queue.NewMemoryPublisher()

	// No prober: URL validation stays offline in tests.
	gate := NewGate(st, ps, acct, lim, sched, nil, pub)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return now }

	_, err = st.UpsertPricing(context.Background(), st.DB(), store.PricingConfig{
		Provider: "tencent", Variant: "file", CostPerHour: 1.25,
		FreeQuotaSeconds: 36000, ResetPeriod: store.ResetMonthly,
		IsEnabled: true, QualityScore: 0.8,
	})
	require.NoError(t, err)

	return &fixture{gate: gate, store: st, lim: lim, pub: pub, now: now}
}

func uploadReq(hash string) CreateRequest {
	return CreateRequest{
		SourceType:  SourceUpload,
		FileKey:     "uploads/audio.m4a",
		ContentHash: hash,
		Options:     Options{Language: "zh-CN"},
	}
}

func TestCreatePersistsQueuedAndEnqueuesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.gate.Create(ctx, Identity{UserID: "user-1"}, uploadReq("hash-1"))
	require.NoError(t, err)

	assert.Equal(t, store.TaskStatusQueued, created.Status)
	require.NotNil(t, created.Stage)
	assert.Equal(t, "queued", *created.Stage)
	assert.Equal(t, 1, created.Progress)

	jobs := f.pub.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, created.ID, jobs[0].TaskID)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := Identity{UserID: "user-1"}

	cases := []struct {
		name string
		req  CreateRequest
		code fault.Code
	}{
		{
			name: "upload without file key",
			req:  CreateRequest{SourceType: SourceUpload, ContentHash: "h"},
			code: fault.CodeMissingRequiredParameter,
		},
		{
			name: "upload without content hash",
			req:  CreateRequest{SourceType: SourceUpload, FileKey: "k"},
			code: fault.CodeMissingRequiredParameter,
		},
		{
			name: "video without url",
			req:  CreateRequest{SourceType: SourceYouTube},
			code: fault.CodeMissingRequiredParameter,
		},
		{
			name: "video with unknown host",
			req:  CreateRequest{SourceType: SourceYouTube, SourceURL: "https://vimeo.com/1"},
			code: fault.CodeInvalidURLFormat,
		},
		{
			name: "unknown source type",
			req:  CreateRequest{SourceType: "podcast"},
			code: fault.CodeUnsupportedSourceFormat,
		},
		{
			name: "bad language tag",
			req: CreateRequest{
				SourceType: SourceUpload, FileKey: "k", ContentHash: "h",
				Options: Options{Language: "not-a-lang-tag!!"},
			},
			code: fault.CodeInvalidParameter,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.gate.Create(ctx, id, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, fault.CodeOf(err))
		})
	}

	// No task row leaked from any rejection.
	n, err := f.store.CountTasksInStatus(ctx, f.store.DB(), "user-1", store.ProcessingStatuses)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateDeduplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := Identity{UserID: "user-1"}

	created, err := f.gate.Create(ctx, id, uploadReq("dup-hash"))
	require.NoError(t, err)

	// Queued twin rejects as in progress.
	_, err = f.gate.Create(ctx, id, uploadReq("dup-hash"))
	assert.Equal(t, fault.CodeTaskInProgress, fault.CodeOf(err))

	// Completed twin rejects as already exists.
	require.NoError(t, f.store.UpdateTaskStatus(ctx, f.store.DB(), created.ID, store.TaskStatusCompleted, "done", 100))
	_, err = f.gate.Create(ctx, id, uploadReq("dup-hash"))
	assert.Equal(t, fault.CodeTaskAlreadyExists, fault.CodeOf(err))

	// Failed twin permits a fresh attempt; another user is never affected.
	require.NoError(t, f.store.UpdateTaskStatus(ctx, f.store.DB(), created.ID, store.TaskStatusFailed, "asr", 40))
	_, err = f.gate.Create(ctx, id, uploadReq("dup-hash"))
	require.NoError(t, err)

	_, err = f.gate.Create(ctx, Identity{UserID: "user-2"}, uploadReq("dup-hash"))
	require.NoError(t, err)
}

func TestCreateRejectsWhenAllProvidersExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Drain the platform free tier, then zero the user's quota.
	cfg, err := f.store.PricingByKey(ctx, f.store.DB(), "tencent", "file")
	require.NoError(t, err)
	acct := accounting.New(f.store)
	p, err := acct.GetOrCreatePeriod(ctx, f.store.DB(), cfg, store.GlobalOwner, f.now)
	require.NoError(t, err)
	require.NoError(t, f.store.AddPeriodUsage(ctx, f.store.DB(), p.ID, 36000, 36000, 0, 0))

	_, err = f.lim.Upsert(ctx, quota.UpsertParams{
		Owner: "user-1", Provider: "tencent", Variant: "file",
		WindowType: store.WindowMonth, QuotaSeconds: 0,
	}, f.now)
	require.NoError(t, err)

	_, err = f.gate.Create(ctx, Identity{UserID: "user-1"}, uploadReq("h"))
	assert.Equal(t, fault.CodeAllProvidersExhausted, fault.CodeOf(err))

	// Admins bypass the viability check.
	_, err = f.gate.Create(ctx, Identity{UserID: "user-1", Admin: true}, uploadReq("h"))
	require.NoError(t, err)
}

func TestCreatePinnedProviderChecks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := Identity{UserID: "user-1"}

	pin := func(provider, hash string) CreateRequest {
		r := uploadReq(hash)
		r.Options.ASRProvider = provider
		return r
	}

	// Unknown provider.
	_, err := f.gate.Create(ctx, id, pin("whisper", "h1"))
	assert.Equal(t, fault.CodeProviderNotRegistered, fault.CodeOf(err))

	// Disabled provider.
	_, err = f.store.UpsertPricing(ctx, f.store.DB(), store.PricingConfig{
		Provider: "aliyun", Variant: "file", CostPerHour: 2.5,
		ResetPeriod: store.ResetNone, IsEnabled: false,
	})
	require.NoError(t, err)
	_, err = f.gate.Create(ctx, id, pin("aliyun", "h2"))
	assert.Equal(t, fault.CodeProviderDisabled, fault.CodeOf(err))

	// Healthy pin rides the free tier even with a zeroed user quota.
	_, err = f.lim.Upsert(ctx, quota.UpsertParams{
		Owner: "user-1", Provider: "tencent", Variant: "file",
		WindowType: store.WindowMonth, QuotaSeconds: 0,
	}, f.now)
	require.NoError(t, err)

	created, err := f.gate.Create(ctx, id, pin("tencent", "h3"))
	require.NoError(t, err)
	require.NotNil(t, created.ASRProvider)
	assert.Equal(t, "tencent", *created.ASRProvider)
}

func TestRetrySemantics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := Identity{UserID: "user-1"}

	created, err := f.gate.Create(ctx, id, uploadReq("retry-hash"))
	require.NoError(t, err)

	// Queued tasks are not retryable.
	_, err = f.gate.Retry(ctx, id, created.ID)
	assert.Equal(t, fault.CodeTaskNotRetryable, fault.CodeOf(err))

	require.NoError(t, f.store.UpdateTaskStatus(ctx, f.store.DB(), created.ID, store.TaskStatusFailed, "asr", 40))

	got, err := f.gate.Retry(ctx, id, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Len(t, f.pub.Jobs(), 2) // create + retry

	// Another user cannot touch the task.
	_, err = f.gate.Retry(ctx, Identity{UserID: "user-2"}, created.ID)
	require.Error(t, err)

	// Retry cap.
	for i := 1; i < maxRetries; i++ {
		require.NoError(t, f.store.UpdateTaskStatus(ctx, f.store.DB(), created.ID, store.TaskStatusFailed, "asr", 40))
		_, err = f.gate.Retry(ctx, id, created.ID)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.UpdateTaskStatus(ctx, f.store.DB(), created.ID, store.TaskStatusFailed, "asr", 40))
	_, err = f.gate.Retry(ctx, id, created.ID)
	assert.Equal(t, fault.CodeTaskRetryLimitExceeded, fault.CodeOf(err))
}

func TestDeleteScopingAndLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := Identity{UserID: "user-1"}

	created, err := f.gate.Create(ctx, id, uploadReq("del-hash"))
	require.NoError(t, err)

	// In-flight tasks refuse deletion.
	err = f.gate.Delete(ctx, id, created.ID)
	assert.Equal(t, fault.CodeTaskInProgress, fault.CodeOf(err))

	// Strangers see nothing to delete.
	err = f.gate.Delete(ctx, Identity{UserID: "user-2"}, created.ID)
	assert.Equal(t, fault.CodeTaskNotFound, fault.CodeOf(err))

	require.NoError(t, f.store.UpdateTaskStatus(ctx, f.store.DB(), created.ID, store.TaskStatusCompleted, "done", 100))
	require.NoError(t, f.gate.Delete(ctx, id, created.ID))

	_, err = f.gate.Get(ctx, id, created.ID)
	assert.Equal(t, fault.CodeTaskNotFound, fault.CodeOf(err))

	// The fingerprint is free again after deletion.
	_, err = f.gate.Create(ctx, id, uploadReq("del-hash"))
	require.NoError(t, err)
}
