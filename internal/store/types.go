// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"time"
)

// ResetPeriod is the refresh cadence of a platform free tier.
type ResetPeriod string

const (
	ResetNone    ResetPeriod = "none"
	ResetMonthly ResetPeriod = "monthly"
	ResetYearly  ResetPeriod = "yearly"
)

// Valid reports whether the value is a known reset period.
func (p ResetPeriod) Valid() bool {
	switch p {
	case ResetNone, ResetMonthly, ResetYearly:
		return true
	}
	return false
}

// PeriodType names the bucket a usage period aggregates into.
type PeriodType string

const (
	PeriodMonth PeriodType = "month"
	PeriodYear  PeriodType = "year"
	PeriodTotal PeriodType = "total"
)

// WindowType names the bucket a user quota applies to.
type WindowType string

const (
	WindowDay   WindowType = "day"
	WindowMonth WindowType = "month"
	WindowTotal WindowType = "total"
)

// Valid reports whether the value is a known window type.
func (w WindowType) Valid() bool {
	switch w {
	case WindowDay, WindowMonth, WindowTotal:
		return true
	}
	return false
}

// QuotaStatus is the lifecycle state of a user-quota row.
type QuotaStatus string

const (
	QuotaActive    QuotaStatus = "active"
	QuotaExhausted QuotaStatus = "exhausted"
)

// LedgerStatus is the outcome recorded on a ledger entry.
type LedgerStatus string

const (
	LedgerSuccess LedgerStatus = "success"
	LedgerFailed  LedgerStatus = "failed"
)

// Task statuses the core reads or writes. The full lifecycle belongs to the
// worker runtime; the pre-check gate only needs the terminal and processing
// sets for de-duplication, plus "queued" for the handoff.
const (
	TaskStatusPending   = "pending"
	TaskStatusQueued    = "queued"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// ProcessingStatuses is the non-terminal set: a duplicate fingerprint in any
// of these states rejects creation with task_in_progress.
var ProcessingStatuses = []string{
	"pending", "queued", "resolving", "downloading", "downloaded",
	"transcoding", "uploading", "uploaded", "resolved", "extracting",
	"asr_submitting", "asr_polling", "transcribing", "summarizing",
}

// GlobalOwner is the owner key of platform-wide rows. SQLite UNIQUE treats
// NULLs as distinct, so the platform scope is the empty string rather than
// NULL; the conflict on concurrent inserts of the global period row depends
// on it.
const GlobalOwner = ""

// PricingConfig is the administrative pricing row for one (provider, variant).
type PricingConfig struct {
	ID                  string
	Provider            string
	Variant             string
	CostPerHour         float64
	FreeQuotaSeconds    float64
	ResetPeriod         ResetPeriod
	IsEnabled           bool
	QualityScore        float64
	SupportsDiarization bool
	SupportsWordLevel   bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UsagePeriod aggregates consumption for one (owner, provider, variant,
// period) bucket. Counters are monotonically non-decreasing while current.
type UsagePeriod struct {
	ID            string
	OwnerUserID   string // GlobalOwner for the platform-wide counter
	Provider      string
	Variant       string
	PeriodType    PeriodType
	PeriodStart   time.Time
	PeriodEnd     time.Time
	UsedSeconds   float64
	FreeQuotaUsed float64
	PaidSeconds   float64
	TotalCost     float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserQuota caps a user's consumption within a window. An empty OwnerUserID
// is a global default; a user-scoped row shadows it for the same window key.
type UserQuota struct {
	ID           string      `json:"id"`
	OwnerUserID  string      `json:"user_id"`
	Provider     string      `json:"provider"`
	Variant      string      `json:"variant"`
	WindowType   WindowType  `json:"window_type"`
	WindowStart  time.Time   `json:"window_start"`
	WindowEnd    time.Time   `json:"window_end"`
	QuotaSeconds float64     `json:"quota_seconds"`
	UsedSeconds  float64     `json:"used_seconds"`
	Status       QuotaStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Available reports whether this row still admits consumption.
func (q *UserQuota) Available() bool {
	if q.Status == QuotaExhausted {
		return false
	}
	if q.QuotaSeconds <= 0 {
		return false
	}
	return q.UsedSeconds < q.QuotaSeconds
}

// LedgerEntry is one append-only usage record. The core never mutates an
// entry after insertion; reconciliation flips Reconciled and ActualCost.
type LedgerEntry struct {
	ID                  string
	UserID              string
	TaskID              *string
	Attempt             int
	Provider            string
	Variant             string
	ExternalTaskID      *string
	DurationSeconds     float64
	EstimatedCost       float64
	ActualCost          *float64
	Status              LedgerStatus
	ErrorCode           *string
	ErrorMessage        *string
	ProcessingTimeMS    *int64
	FreeQuotaConsumed   float64
	PaidDurationSeconds float64
	ActualPaidCost      float64
	Reconciled          bool
	ReconciledAt        *time.Time
	CreatedAt           time.Time
}

// Task is the persisted transcription task. The core owns the queued
// transition and retry bumps; everything else belongs to the worker runtime.
type Task struct {
	ID              string
	UserID          string
	ContentHash     *string
	Title           *string
	SourceType      string
	SourceURL       *string
	SourceKey       *string
	Options         json.RawMessage
	Status          string
	Progress        int
	Stage           *string
	DurationSeconds *float64
	ErrorCode       *string
	ErrorMessage    *string
	RetryCount      int
	RequestID       *string
	ASRProvider     *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}
