// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/asr"
	"github.com/skald-audio/skald/internal/cache"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/store"
)

type nopTranscriber struct{}

func (nopTranscriber) Transcribe(ctx context.Context, audioRef string) (*asr.Result, error) {
	return &asr.Result{}, nil
}

type stubHealth struct{ scores map[string]float64 }

func (s *stubHealth) Score(provider string) float64 {
	if v, ok := s.scores[provider]; ok {
		return v
	}
	return 1.0
}

type fixture struct {
	sched   *Scheduler
	store   *store.Store
	limiter *quota.Limiter
	acct    *accounting.Accountant
	now     time.Time
}

func newFixture(t *testing.T, providers []string, health *stubHealth) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/skald.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := asr.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p, "file", nopTranscriber{}))
	}

	ps := pricing.New(st, cache.NewNoOp(), time.Minute)
	acct := accounting.New(st)
	lim := quota.NewLimiter(st)

	var hs HealthScorer
	if health != nil {
		hs = health
	}
	sched := New(reg, ps, acct, lim, st, hs)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	return &fixture{sched: sched, store: st, limiter: lim, acct: acct, now: now}
}

func (f *fixture) addPricing(t *testing.T, cfg store.PricingConfig) {
	t.Helper()
	_, err := f.store.UpsertPricing(context.Background(), f.store.DB(), cfg)
	require.NoError(t, err)
}

func TestSelectPrefersFreeTier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"tencent", "aliyun"}, nil)
	ctx := context.Background()

	f.addPricing(t, store.PricingConfig{
		Provider: "tencent", Variant: "file", CostPerHour: 1.25,
		FreeQuotaSeconds: 36000, ResetPeriod: store.ResetMonthly,
		IsEnabled: true, QualityScore: 0.8,
	})
	f.addPricing(t, store.PricingConfig{
		Provider: "aliyun", Variant: "file", CostPerHour: 1.25,
		ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.8,
	})

	winner, err := f.sched.Select(ctx, Request{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "tencent", winner.Provider)
	assert.InDelta(t, 1.0, winner.Scores.FreeQuota, 1e-9)
	assert.Equal(t, 1.0, winner.Scores.Quota) // no quota rows: unlimited
}

func TestFeatureWeightsFlipWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"a", "b"}, nil)
	ctx := context.Background()

	// A supports diarization; B is cheaper with free tier but does not.
	f.addPricing(t, store.PricingConfig{
		Provider: "a", Variant: "file", CostPerHour: 2.0,
		ResetPeriod: store.ResetNone, IsEnabled: true,
		QualityScore: 0.9, SupportsDiarization: true,
	})
	f.addPricing(t, store.PricingConfig{
		Provider: "b", Variant: "file", CostPerHour: 1.5,
		FreeQuotaSeconds: 7200, ResetPeriod: store.ResetMonthly,
		IsEnabled: true, QualityScore: 0.95,
	})

	// Half of B's free tier consumed.
	err := f.store.InTx(ctx, func(tx *sql.Tx) error {
		cfg, err := f.store.PricingByKey(ctx, tx, "b", "file")
		if err != nil {
			return err
		}
		_, err = f.acct.ConsumeTx(ctx, tx, cfg, 3600, f.now)
		return err
	})
	require.NoError(t, err)

	// Without features, B's free tier wins.
	winner, err := f.sched.Select(ctx, Request{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "b", winner.Provider)

	// With diarization asserted, the features dimension dominates and A wins.
	winner, err = f.sched.Select(ctx, Request{
		UserID:   "user-1",
		Features: Features{Diarization: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", winner.Provider)
	assert.Equal(t, 1.0, winner.Scores.Features)
}

func TestUnhealthyProviderIsDropped(t *testing.T) {
	t.Parallel()
	h := &stubHealth{scores: map[string]float64{"tencent": 0.0}}
	f := newFixture(t, []string{"tencent", "aliyun"}, h)
	ctx := context.Background()

	for _, p := range []string{"tencent", "aliyun"} {
		f.addPricing(t, store.PricingConfig{
			Provider: p, Variant: "file", CostPerHour: 1.0,
			ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.8,
		})
	}

	scores, err := f.sched.Scores(ctx, Request{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "aliyun", scores[0].Provider)
}

func TestTieBreaksByRegistrationOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"first", "second"}, nil)
	ctx := context.Background()

	for _, p := range []string{"first", "second"} {
		f.addPricing(t, store.PricingConfig{
			Provider: p, Variant: "file", CostPerHour: 2.0,
			ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.8,
		})
	}

	winner, err := f.sched.Select(ctx, Request{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "first", winner.Provider)
}

func TestExhaustedUserStillRidesFreeTier(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"tencent"}, nil)
	ctx := context.Background()

	f.addPricing(t, store.PricingConfig{
		Provider: "tencent", Variant: "file", CostPerHour: 1.0,
		FreeQuotaSeconds: 3600, ResetPeriod: store.ResetMonthly,
		IsEnabled: true, QualityScore: 0.8,
	})

	// Zero-second quota blocks the user's paid budget entirely.
	_, err := f.limiter.Upsert(ctx, quota.UpsertParams{
		Owner: "user-1", Provider: "tencent", Variant: "file",
		WindowType: store.WindowMonth, QuotaSeconds: 0,
	}, f.now)
	require.NoError(t, err)

	// Free seconds remain, so the provider stays a candidate.
	winner, err := f.sched.Select(ctx, Request{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "tencent", winner.Provider)
	assert.False(t, winner.Available)
}

func TestNoViableProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"tencent"}, nil)
	ctx := context.Background()

	// No free tier and a zeroed user quota: nothing survives.
	f.addPricing(t, store.PricingConfig{
		Provider: "tencent", Variant: "file", CostPerHour: 1.0,
		ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.8,
	})
	_, err := f.limiter.Upsert(ctx, quota.UpsertParams{
		Owner: "user-1", Provider: "tencent", Variant: "file",
		WindowType: store.WindowMonth, QuotaSeconds: 0,
	}, f.now)
	require.NoError(t, err)

	_, err = f.sched.Select(ctx, Request{UserID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeAllProvidersExhausted, fault.CodeOf(err))
}

func TestDisabledAndUnpricedProvidersOmitted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"tencent", "aliyun", "volcengine"}, nil)
	ctx := context.Background()

	f.addPricing(t, store.PricingConfig{
		Provider: "tencent", Variant: "file", CostPerHour: 1.0,
		ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.8,
	})
	f.addPricing(t, store.PricingConfig{
		Provider: "aliyun", Variant: "file", CostPerHour: 1.0,
		ResetPeriod: store.ResetNone, IsEnabled: false, QualityScore: 0.8,
	})
	// volcengine has no pricing row at all.

	scores, err := f.sched.Scores(ctx, Request{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "tencent", scores[0].Provider)
}

func TestPreferredNarrowsWithFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []string{"tencent", "aliyun"}, nil)
	ctx := context.Background()

	for _, p := range []string{"tencent", "aliyun"} {
		f.addPricing(t, store.PricingConfig{
			Provider: p, Variant: "file", CostPerHour: 1.0,
			ResetPeriod: store.ResetNone, IsEnabled: true, QualityScore: 0.8,
		})
	}

	winner, err := f.sched.Select(ctx, Request{
		UserID: "user-1", Preferred: []string{"aliyun"},
	})
	require.NoError(t, err)
	assert.Equal(t, "aliyun", winner.Provider)

	// Unknown preferences fall back to the full set.
	winner, err = f.sched.Select(ctx, Request{
		UserID: "user-1", Preferred: []string{"whisper"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tencent", winner.Provider)
}

func TestTotalIsLinearCombination(t *testing.T) {
	t.Parallel()

	sub := SubScores{FreeQuota: 0.4, Health: 1, Cost: 0.7, Quota: 0.9, Quality: 0.85, Features: 0.5}
	w := Weights{FreeQuota: 0.3, Health: 0.2, Cost: 0.15, Quota: 0.1, Quality: 0.15, Features: 0.1}

	want := 0.3*0.4 + 0.2*1 + 0.15*0.7 + 0.1*0.9 + 0.15*0.85 + 0.1*0.5
	assert.InDelta(t, want, w.total(sub), 1e-12)
}
