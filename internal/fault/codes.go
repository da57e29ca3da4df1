// SPDX-License-Identifier: MIT

package fault

// Code is a stable machine-readable error identifier. Codes are part of the
// external contract: the HTTP layer echoes them verbatim and the worker
// runtime keys its retry policy on them.
type Code string

const (
	CodeInvalidParameter         Code = "invalid_parameter"
	CodeMissingRequiredParameter Code = "missing_required_parameter"
	CodeUnsupportedSourceFormat  Code = "unsupported_source_format"
	CodeInvalidURLFormat         Code = "invalid_url_format"
	CodeVideoUnavailable         Code = "external_video_unavailable"
	CodeVideoProbeFailed         Code = "external_video_probe_failed"
	CodeTaskNotFound             Code = "task_not_found"
	CodeTaskAlreadyExists        Code = "task_already_exists"
	CodeTaskInProgress           Code = "task_in_progress"
	CodeTaskNotRetryable         Code = "task_not_retryable"
	CodeTaskRetryLimitExceeded   Code = "task_retry_limit_exceeded"
	CodeProviderNotRegistered    Code = "asr_provider_not_registered"
	CodeProviderDisabled         Code = "asr_provider_disabled"
	CodeProviderQuotaExhausted   Code = "asr_quota_exhausted_for_provider"
	CodeAllProvidersExhausted    Code = "all_asr_providers_exhausted"
	CodeASRServiceFailed         Code = "asr_service_failed"
	CodeSettlementIdempotency    Code = "settlement_idempotency_violation"
)

// HTTPStatus maps an error code to the HTTP status the API layer should use.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidParameter, CodeMissingRequiredParameter,
		CodeUnsupportedSourceFormat, CodeInvalidURLFormat:
		return 400
	case CodeTaskAlreadyExists, CodeTaskInProgress:
		return 409
	case CodeTaskNotFound, CodeProviderNotRegistered:
		return 404
	case CodeProviderDisabled, CodeProviderQuotaExhausted,
		CodeAllProvidersExhausted, CodeTaskNotRetryable,
		CodeTaskRetryLimitExceeded:
		return 422
	case CodeVideoUnavailable, CodeVideoProbeFailed:
		return 502
	default:
		return 500
	}
}
