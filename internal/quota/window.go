// SPDX-License-Identifier: MIT

// Package quota enforces per-user consumption caps per (provider, variant)
// and time window, with platform-wide default rows a user-scoped row fully
// shadows.
package quota

import (
	"time"

	"github.com/skald-audio/skald/internal/store"
)

// Lifetime window for quotas with no rollover. window_end is inclusive in
// the active-row query, so the bound sits just inside the sentinel horizon.
var (
	totalWindowStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	totalWindowEnd   = time.Date(2099, 12, 31, 23, 59, 59, 999999000, time.UTC)
)

// WindowBounds derives the current quota window containing now. Day windows
// run midnight to midnight UTC, month windows first-of-month to
// first-of-next-month; the end is pulled in by a microsecond because the
// store treats window_end as inclusive.
func WindowBounds(wt store.WindowType, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch wt {
	case store.WindowDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1).Add(-time.Microsecond)
	case store.WindowMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0).Add(-time.Microsecond)
	default:
		return totalWindowStart, totalWindowEnd
	}
}
