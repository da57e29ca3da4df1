// SPDX-License-Identifier: MIT

// Package accounting tracks platform free-quota consumption per
// (provider, variant) billing period and prices the paid remainder.
package accounting

import (
	"time"

	"github.com/skald-audio/skald/internal/store"
)

// Sentinel window for pricing without a reset period: one "total" bucket
// that never rolls over.
var (
	totalWindowStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	totalWindowEnd   = time.Date(2099, 12, 31, 23, 59, 59, 999999000, time.UTC)
)

// PeriodBounds derives the current billing bucket for a reset cadence.
// Monthly buckets run [first of month, first of next month); yearly buckets
// run [Jan 1, Jan 1 of next year). No cadence maps everything to the
// sentinel total window.
func PeriodBounds(reset store.ResetPeriod, now time.Time) (store.PeriodType, time.Time, time.Time) {
	now = now.UTC()
	switch reset {
	case store.ResetMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return store.PeriodMonth, start, start.AddDate(0, 1, 0)
	case store.ResetYearly:
		start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return store.PeriodYear, start, start.AddDate(1, 0, 0)
	default:
		return store.PeriodTotal, totalWindowStart, totalWindowEnd
	}
}
