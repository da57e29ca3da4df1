// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/task"
)

const (
	headerRequestID = "X-Request-Id"
	// Identity headers are asserted by the fronting gateway; the daemon
	// never authenticates on its own.
	headerUser  = "X-Skald-User"
	headerAdmin = "X-Skald-Admin"
)

type identityKey struct{}

// requestID tags every request with an id, honouring one supplied upstream.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// identity extracts the gateway-asserted caller. Routes mounted behind
// requireUser reject anonymous requests.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := task.Identity{
			UserID: r.Header.Get(headerUser),
			Admin:  r.Header.Get(headerAdmin) == "true" || r.Header.Get(headerAdmin) == "1",
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func callerFrom(r *http.Request) task.Identity {
	if id, ok := r.Context().Value(identityKey{}).(task.Identity); ok {
		return id
	}
	return task.Identity{}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callerFrom(r).UserID == "" {
			writeJSON(w, http.StatusUnauthorized, problem{
				Type:   problemTypeBase + "unauthenticated",
				Title:  "unauthenticated",
				Status: http.StatusUnauthorized,
				Detail: "missing " + headerUser + " header",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r).Admin {
			writeJSON(w, http.StatusForbidden, problem{
				Type:   problemTypeBase + "forbidden",
				Title:  "forbidden",
				Status: http.StatusForbidden,
				Detail: "administrator access required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
