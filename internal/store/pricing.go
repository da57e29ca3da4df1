// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"
)

const pricingColumns = `
	id, provider, variant, cost_per_hour, free_quota_seconds, reset_period,
	is_enabled, quality_score, supports_diarization, supports_word_level,
	created_at, updated_at`

func scanPricing(row interface{ Scan(...any) error }) (*PricingConfig, error) {
	var (
		p                    PricingConfig
		createdAt, updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.Provider, &p.Variant, &p.CostPerHour, &p.FreeQuotaSeconds,
		&p.ResetPeriod, &p.IsEnabled, &p.QualityScore,
		&p.SupportsDiarization, &p.SupportsWordLevel,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// PricingByKey retrieves the pricing config for (provider, variant).
// Returns nil when the pair is not configured.
func (s *Store) PricingByKey(ctx context.Context, q DBTX, provider, variant string) (*PricingConfig, error) {
	query := `SELECT` + pricingColumns + `
	FROM pricing_configs
	WHERE provider = ? AND variant = ?`

	p, err := scanPricing(q.QueryRowContext(ctx, query, provider, variant))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPricing retrieves all pricing configs, optionally only enabled ones.
func (s *Store) ListPricing(ctx context.Context, q DBTX, enabledOnly bool) ([]PricingConfig, error) {
	query := `SELECT` + pricingColumns + ` FROM pricing_configs`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY provider, variant`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var configs []PricingConfig
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *p)
	}
	return configs, rows.Err()
}

// ListPricingWithFreeQuota retrieves enabled configs carrying a free tier.
func (s *Store) ListPricingWithFreeQuota(ctx context.Context, q DBTX) ([]PricingConfig, error) {
	query := `SELECT` + pricingColumns + `
	FROM pricing_configs
	WHERE is_enabled = 1 AND free_quota_seconds > 0
	ORDER BY provider, variant`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var configs []PricingConfig
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *p)
	}
	return configs, rows.Err()
}

// UpsertPricing inserts or replaces the pricing config for its
// (provider, variant) key and returns the stored row.
func (s *Store) UpsertPricing(ctx context.Context, q DBTX, p PricingConfig) (*PricingConfig, error) {
	now := fmtTime(time.Now())
	if p.ID == "" {
		p.ID = NewID()
	}

	query := `
	INSERT INTO pricing_configs (
		id, provider, variant, cost_per_hour, free_quota_seconds, reset_period,
		is_enabled, quality_score, supports_diarization, supports_word_level,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(provider, variant) DO UPDATE SET
		cost_per_hour = excluded.cost_per_hour,
		free_quota_seconds = excluded.free_quota_seconds,
		reset_period = excluded.reset_period,
		is_enabled = excluded.is_enabled,
		quality_score = excluded.quality_score,
		supports_diarization = excluded.supports_diarization,
		supports_word_level = excluded.supports_word_level,
		updated_at = excluded.updated_at
	`

	_, err := q.ExecContext(ctx, query,
		p.ID, p.Provider, p.Variant, p.CostPerHour, p.FreeQuotaSeconds,
		string(p.ResetPeriod), p.IsEnabled, p.QualityScore,
		p.SupportsDiarization, p.SupportsWordLevel, now, now,
	)
	if err != nil {
		return nil, err
	}

	return s.PricingByKey(ctx, q, p.Provider, p.Variant)
}
