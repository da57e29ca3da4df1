// SPDX-License-Identifier: MIT

// Package api exposes the orchestration core over HTTP: task intake, the
// diagnostic and admin surfaces, and the worker settlement callback.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/log"
)

// problem is an RFC 7807 response body. The code field carries the stable
// error taxonomy value clients key their handling on.
type problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

const problemTypeBase = "https://skald.audio/problems/"

// writeError renders err as problem+json. Business faults map through the
// code taxonomy; anything else is an opaque 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problem{
		Type:      problemTypeBase + "internal",
		Title:     "internal error",
		Status:    http.StatusInternalServerError,
		RequestID: log.RequestIDFromContext(r.Context()),
	}

	if code := fault.CodeOf(err); code != "" {
		p.Type = problemTypeBase + string(code)
		p.Title = string(code)
		p.Status = code.HTTPStatus()
		p.Code = string(code)
		p.Detail = err.Error()
	} else {
		l := log.WithComponentFromContext(r.Context(), "api")
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses the request body into v, mapping malformed payloads to
// invalid_parameter.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.CodeInvalidParameter, err)
	}
	return nil
}
