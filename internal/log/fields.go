// SPDX-License-Identifier: MIT
package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldUserID    = "user_id"
	FieldTaskID    = "task_id"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldAttempt   = "attempt"

	// Provider fields
	FieldProvider = "provider"
	FieldVariant  = "variant"

	// Accounting fields
	FieldDuration    = "duration_seconds"
	FieldFreeSeconds = "free_seconds"
	FieldPaidSeconds = "paid_seconds"
	FieldCost        = "cost"
	FieldPeriodType  = "period_type"
	FieldPeriodStart = "period_start"
	FieldWindowType  = "window_type"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldErrorCode = "error_code"
)
