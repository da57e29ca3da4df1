// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Router assembles the HTTP surface. Task intake is rate-limited per
// caller; the admin surface sits behind the gateway-asserted admin flag.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(requestID)
	r.Use(identity)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Group(func(r chi.Router) {
				r.Use(httprate.Limit(
					s.taskRatePerMinute, time.Minute,
					httprate.WithKeyFuncs(func(req *http.Request) (string, error) {
						return callerFrom(req).UserID, nil
					}),
				))
				r.Post("/tasks", s.handleCreateTask)
			})

			r.Get("/tasks/{id}", s.handleGetTask)
			r.Delete("/tasks/{id}", s.handleDeleteTask)
			r.Post("/tasks/{id}/retry", s.handleRetryTask)

			r.Get("/asr/free-quota", s.handleFreeQuota)
			r.Get("/asr/scheduler/scores", s.handleSchedulerScores)
			r.Get("/asr/scheduler/health", s.handleProviderHealth)
			r.Get("/asr/usage", s.handleUsage)
			r.Get("/asr/estimate", s.handleEstimate)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)

			r.Get("/asr/pricing", s.handlePricingList)
			r.Put("/asr/pricing", s.handlePricingUpsert)
			r.Get("/asr/pricing/cache", s.handlePricingCacheStats)
			r.Get("/asr/quotas", s.handleQuotaList)
			r.Put("/asr/quotas", s.handleQuotaUpsert)
			r.Post("/asr/ledger/export", s.handleLedgerExport)
		})
	})

	// Worker callback, reachable only on the internal network.
	r.Route("/internal/v1", func(r chi.Router) {
		r.Post("/settlements", s.handleSettle)
	})

	return otelhttp.NewHandler(r, "skald.http")
}
