// SPDX-License-Identifier: MIT

// Package pricing serves the per-(provider, variant) pricing configuration:
// cost per hour, platform free tier, reset period, capability flags. Reads
// go through a TTL cache; every administrative write invalidates the whole
// pricing keyspace before returning, so a committed write is never shadowed
// by a stale entry.
package pricing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/skald-audio/skald/internal/cache"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/store"
)

const (
	cachePrefix = "pricing:"
	defaultTTL  = 5 * time.Minute
)

// Service is the pricing registry.
type Service struct {
	store  *store.Store
	cache  cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a pricing service. A nil cache disables caching.
func New(st *store.Store, c cache.Cache, ttl time.Duration) *Service {
	if c == nil {
		c = cache.NewNoOp()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		store:  st,
		cache:  c,
		ttl:    ttl,
		logger: log.WithComponent("pricing"),
	}
}

func cacheKey(provider, variant string) string {
	return cachePrefix + provider + ":" + variant
}

// Get retrieves the pricing config for (provider, variant), or nil when the
// pair is not configured. Absent pairs are not cached: the registry treats
// them as not orchestratable and the miss is cheap.
func (s *Service) Get(ctx context.Context, provider, variant string) (*store.PricingConfig, error) {
	if raw, ok := s.cache.Get(cacheKey(provider, variant)); ok {
		if encoded, ok := raw.(string); ok {
			var cfg store.PricingConfig
			if err := json.Unmarshal([]byte(encoded), &cfg); err == nil {
				return &cfg, nil
			}
		}
	}

	cfg, err := s.store.PricingByKey(ctx, s.store.DB(), provider, variant)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	if encoded, err := json.Marshal(cfg); err == nil {
		s.cache.Set(cacheKey(provider, variant), string(encoded), s.ttl)
	}
	return cfg, nil
}

// GetFresh bypasses the cache. Settlement reads pricing through this inside
// its transaction so the cost snapshot matches the committed admin state.
func (s *Service) GetFresh(ctx context.Context, q store.DBTX, provider, variant string) (*store.PricingConfig, error) {
	return s.store.PricingByKey(ctx, q, provider, variant)
}

// ListEnabled retrieves all enabled (provider, variant) configs.
func (s *Service) ListEnabled(ctx context.Context) ([]store.PricingConfig, error) {
	return s.store.ListPricing(ctx, s.store.DB(), true)
}

// ListAll retrieves every config including disabled ones.
func (s *Service) ListAll(ctx context.Context) ([]store.PricingConfig, error) {
	return s.store.ListPricing(ctx, s.store.DB(), false)
}

// ListWithFreeQuota retrieves enabled configs that carry a free tier.
func (s *Service) ListWithFreeQuota(ctx context.Context) ([]store.PricingConfig, error) {
	return s.store.ListPricingWithFreeQuota(ctx, s.store.DB())
}

// CacheStats reports the pricing cache counters for diagnostics.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Upsert validates and persists a config, then invalidates the cache.
func (s *Service) Upsert(ctx context.Context, cfg store.PricingConfig) (*store.PricingConfig, error) {
	if cfg.Provider == "" || cfg.Variant == "" {
		return nil, fault.Newf(fault.CodeMissingRequiredParameter, "provider and variant are required")
	}
	if !cfg.ResetPeriod.Valid() {
		return nil, fault.Newf(fault.CodeInvalidParameter, "unknown reset_period %q", cfg.ResetPeriod)
	}
	if cfg.CostPerHour < 0 {
		return nil, fault.Newf(fault.CodeInvalidParameter, "cost_per_hour must be >= 0")
	}
	if cfg.FreeQuotaSeconds < 0 {
		return nil, fault.Newf(fault.CodeInvalidParameter, "free_quota_seconds must be >= 0")
	}
	if cfg.FreeQuotaSeconds > 0 && cfg.ResetPeriod == store.ResetNone {
		return nil, fault.Newf(fault.CodeInvalidParameter, "free tier requires a reset_period")
	}
	if cfg.QualityScore < 0 || cfg.QualityScore > 1 {
		return nil, fault.Newf(fault.CodeInvalidParameter, "quality_score must be in [0, 1]")
	}

	saved, err := s.store.UpsertPricing(ctx, s.store.DB(), cfg)
	if err != nil {
		return nil, err
	}

	// Invalidate after commit, before returning: no reader may observe the
	// old price once the admin write is acknowledged.
	s.cache.DeletePrefix(cachePrefix)

	s.logger.Info().
		Str(log.FieldProvider, saved.Provider).
		Str(log.FieldVariant, saved.Variant).
		Float64("cost_per_hour", saved.CostPerHour).
		Float64("free_quota_seconds", saved.FreeQuotaSeconds).
		Str("reset_period", string(saved.ResetPeriod)).
		Msg("pricing config updated, cache invalidated")

	return saved, nil
}
