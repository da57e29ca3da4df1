// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/health"
	"github.com/skald-audio/skald/internal/ledger"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/scheduler"
	"github.com/skald-audio/skald/internal/settle"
	"github.com/skald-audio/skald/internal/store"
	"github.com/skald-audio/skald/internal/task"
)

// Server bundles the HTTP handlers and their collaborators.
type Server struct {
	store    *store.Store
	pricing  *pricing.Service
	acct     *accounting.Accountant
	limiter  *quota.Limiter
	sched    *scheduler.Scheduler
	gate     *task.Gate
	settler  *settle.Settler
	exporter *ledger.Exporter
	checker  *health.Checker

	taskRatePerMinute int
	exportPath        string
	now               func() time.Time
}

// ServerParams wires a Server.
type ServerParams struct {
	Store    *store.Store
	Pricing  *pricing.Service
	Acct     *accounting.Accountant
	Limiter  *quota.Limiter
	Sched    *scheduler.Scheduler
	Gate     *task.Gate
	Settler  *settle.Settler
	Exporter *ledger.Exporter
	Checker  *health.Checker

	TaskRatePerMinute int
	ExportPath        string
}

// NewServer creates the handler set.
func NewServer(p ServerParams) *Server {
	rate := p.TaskRatePerMinute
	if rate <= 0 {
		rate = 60
	}
	return &Server{
		store:             p.Store,
		pricing:           p.Pricing,
		acct:              p.Acct,
		limiter:           p.Limiter,
		sched:             p.Sched,
		gate:              p.Gate,
		settler:           p.Settler,
		exporter:          p.Exporter,
		checker:           p.Checker,
		taskRatePerMinute: rate,
		exportPath:        p.ExportPath,
		now:               time.Now,
	}
}

// taskResponse is the task DTO returned by the intake surface.
type taskResponse struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage,omitempty"`
	Progress    int     `json:"progress"`
	SourceType  string  `json:"source_type"`
	Title       string  `json:"title,omitempty"`
	RetryCount  int     `json:"retry_count"`
	ErrorCode   string  `json:"error_code,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ASRProvider string  `json:"asr_provider,omitempty"`
	Duration    float64 `json:"duration_seconds,omitempty"`
}

func toTaskResponse(t *store.Task) taskResponse {
	resp := taskResponse{
		ID:         t.ID,
		Status:     t.Status,
		Progress:   t.Progress,
		SourceType: t.SourceType,
		RetryCount: t.RetryCount,
		CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.Stage != nil {
		resp.Stage = *t.Stage
	}
	if t.Title != nil {
		resp.Title = *t.Title
	}
	if t.ErrorCode != nil {
		resp.ErrorCode = *t.ErrorCode
	}
	if t.ASRProvider != nil {
		resp.ASRProvider = *t.ASRProvider
	}
	if t.DurationSeconds != nil {
		resp.Duration = *t.DurationSeconds
	}
	return resp
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req task.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	created, err := s.gate.Create(r.Context(), callerFrom(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskResponse(created))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.gate.Get(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Delete(r.Context(), callerFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.gate.Retry(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(t))
}

// freeQuotaStatus is one row of the free-tier listing.
type freeQuotaStatus struct {
	Provider         string  `json:"provider"`
	Variant          string  `json:"variant"`
	TotalSeconds     float64 `json:"total_seconds"`
	UsedSeconds      float64 `json:"used_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	ResetPeriod      string  `json:"reset_period"`
	PeriodStart      string  `json:"period_start"`
	PeriodEnd        string  `json:"period_end"`
	CostPerHour      float64 `json:"cost_per_hour"`
}

func (s *Server) handleFreeQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	configs, err := s.pricing.ListWithFreeQuota(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := s.now()
	out := make([]freeQuotaStatus, 0, len(configs))
	for i := range configs {
		cfg := &configs[i]
		remaining, err := s.acct.RemainingFree(ctx, s.store.DB(), cfg, now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		_, start, end := accounting.PeriodBounds(cfg.ResetPeriod, now)
		out = append(out, freeQuotaStatus{
			Provider:         cfg.Provider,
			Variant:          cfg.Variant,
			TotalSeconds:     cfg.FreeQuotaSeconds,
			UsedSeconds:      cfg.FreeQuotaSeconds - remaining,
			RemainingSeconds: remaining,
			ResetPeriod:      string(cfg.ResetPeriod),
			PeriodStart:      start.Format(time.RFC3339Nano),
			PeriodEnd:        end.Format(time.RFC3339Nano),
			CostPerHour:      cfg.CostPerHour,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"free_quotas": out})
}

func (s *Server) handleSchedulerScores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := scheduler.Request{
		UserID:  callerFrom(r).UserID,
		Variant: q.Get("variant"),
		Features: scheduler.Features{
			Diarization: q.Get("diarization") == "true",
			WordLevel:   q.Get("word_level") == "true",
		},
	}
	scores, err := s.sched.Scores(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"providers": map[string]string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.checker.Snapshot()})
}

// pricingPayload is the admin DTO for pricing rows.
type pricingPayload struct {
	Provider            string  `json:"provider"`
	Variant             string  `json:"variant"`
	CostPerHour         float64 `json:"cost_per_hour"`
	FreeQuotaSeconds    float64 `json:"free_quota_seconds"`
	ResetPeriod         string  `json:"reset_period"`
	IsEnabled           bool    `json:"is_enabled"`
	QualityScore        float64 `json:"quality_score"`
	SupportsDiarization bool    `json:"supports_diarization"`
	SupportsWordLevel   bool    `json:"supports_word_level"`
}

func (s *Server) handlePricingList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.pricing.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]pricingPayload, 0, len(configs))
	for i := range configs {
		c := &configs[i]
		out = append(out, pricingPayload{
			Provider:            c.Provider,
			Variant:             c.Variant,
			CostPerHour:         c.CostPerHour,
			FreeQuotaSeconds:    c.FreeQuotaSeconds,
			ResetPeriod:         string(c.ResetPeriod),
			IsEnabled:           c.IsEnabled,
			QualityScore:        c.QualityScore,
			SupportsDiarization: c.SupportsDiarization,
			SupportsWordLevel:   c.SupportsWordLevel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pricing": out})
}

func (s *Server) handlePricingUpsert(w http.ResponseWriter, r *http.Request) {
	var p pricingPayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.pricing.Upsert(r.Context(), store.PricingConfig{
		Provider:            p.Provider,
		Variant:             p.Variant,
		CostPerHour:         p.CostPerHour,
		FreeQuotaSeconds:    p.FreeQuotaSeconds,
		ResetPeriod:         store.ResetPeriod(p.ResetPeriod),
		IsEnabled:           p.IsEnabled,
		QualityScore:        p.QualityScore,
		SupportsDiarization: p.SupportsDiarization,
		SupportsWordLevel:   p.SupportsWordLevel,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pricingPayload{
		Provider:            saved.Provider,
		Variant:             saved.Variant,
		CostPerHour:         saved.CostPerHour,
		FreeQuotaSeconds:    saved.FreeQuotaSeconds,
		ResetPeriod:         string(saved.ResetPeriod),
		IsEnabled:           saved.IsEnabled,
		QualityScore:        saved.QualityScore,
		SupportsDiarization: saved.SupportsDiarization,
		SupportsWordLevel:   saved.SupportsWordLevel,
	})
}

func (s *Server) handlePricingCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pricing.CacheStats())
}

// quotaPayload is the admin DTO for quota writes.
type quotaPayload struct {
	UserID       string  `json:"user_id,omitempty"`
	Provider     string  `json:"provider"`
	Variant      string  `json:"variant,omitempty"`
	WindowType   string  `json:"window_type"`
	QuotaSeconds float64 `json:"quota_seconds"`
	Reset        bool    `json:"reset,omitempty"`
}

func (s *Server) handleQuotaUpsert(w http.ResponseWriter, r *http.Request) {
	var p quotaPayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.limiter.Upsert(r.Context(), quota.UpsertParams{
		Owner:        p.UserID,
		Provider:     p.Provider,
		Variant:      p.Variant,
		WindowType:   store.WindowType(p.WindowType),
		QuotaSeconds: p.QuotaSeconds,
		ResetUsage:   p.Reset,
	}, s.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleQuotaList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		rows, err := s.limiter.ListGlobal(ctx, now)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotas": rows})
		return
	}

	configs, err := s.pricing.ListAll(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	seen := make(map[string]bool)
	providers := make([]string, 0, len(configs))
	for i := range configs {
		if !seen[configs[i].Provider] {
			seen[configs[i].Provider] = true
			providers = append(providers, configs[i].Provider)
		}
	}

	variant := r.URL.Query().Get("variant")
	if variant == "" {
		variant = "file"
	}
	rows, err := s.limiter.Effective(ctx, s.store.DB(), userID, providers, variant, now)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotas": rows})
}

// usageEntry is the per-user ledger DTO.
type usageEntry struct {
	ID                  string  `json:"id"`
	TaskID              string  `json:"task_id,omitempty"`
	Attempt             int     `json:"attempt"`
	Provider            string  `json:"provider"`
	Variant             string  `json:"variant"`
	DurationSeconds     float64 `json:"duration_seconds"`
	Status              string  `json:"status"`
	FreeQuotaConsumed   float64 `json:"free_quota_consumed"`
	PaidDurationSeconds float64 `json:"paid_duration_seconds"`
	ActualPaidCost      float64 `json:"actual_paid_cost"`
	CreatedAt           string  `json:"created_at"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	entries, total, err := s.store.ListLedgerByUser(r.Context(), s.store.DB(), callerFrom(r).UserID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]usageEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		u := usageEntry{
			ID:                  e.ID,
			Attempt:             e.Attempt,
			Provider:            e.Provider,
			Variant:             e.Variant,
			DurationSeconds:     e.DurationSeconds,
			Status:              string(e.Status),
			FreeQuotaConsumed:   e.FreeQuotaConsumed,
			PaidDurationSeconds: e.PaidDurationSeconds,
			ActualPaidCost:      e.ActualPaidCost,
			CreatedAt:           e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if e.TaskID != nil {
			u.TaskID = *e.TaskID
		}
		out = append(out, u)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"usage": out,
		"total": total,
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := q.Get("provider")
	variant := q.Get("variant")
	if variant == "" {
		variant = "file"
	}
	duration, err := strconv.ParseFloat(q.Get("duration_seconds"), 64)
	if provider == "" || err != nil || duration <= 0 {
		writeError(w, r, fault.Newf(fault.CodeInvalidParameter, "provider and a positive duration_seconds are required"))
		return
	}

	cfg, err := s.pricing.Get(r.Context(), provider, variant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cfg == nil {
		writeError(w, r, fault.Newf(fault.CodeProviderNotRegistered, "no pricing for %s/%s", provider, variant))
		return
	}

	est, err := s.acct.EstimateCost(r.Context(), cfg, duration, s.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// settleRequest is the worker callback payload.
type settleRequest struct {
	UserID           string  `json:"user_id"`
	TaskID           string  `json:"task_id"`
	Attempt          int     `json:"attempt"`
	Provider         string  `json:"provider"`
	Variant          string  `json:"variant,omitempty"`
	Status           string  `json:"status"`
	DurationSeconds  float64 `json:"duration_seconds,omitempty"`
	ExternalTaskID   string  `json:"external_task_id,omitempty"`
	ProcessingTimeMS int64   `json:"processing_time_ms,omitempty"`
	ErrorCode        string  `json:"error_code,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == "" || req.TaskID == "" || req.Provider == "" {
		writeError(w, r, fault.Newf(fault.CodeMissingRequiredParameter, "user_id, task_id and provider are required"))
		return
	}

	switch req.Status {
	case "success":
		if req.DurationSeconds <= 0 {
			writeError(w, r, fault.Newf(fault.CodeInvalidParameter, "duration_seconds must be > 0 for a success settlement"))
			return
		}
		res, err := s.settler.SettleSuccess(r.Context(), settle.SuccessParams{
			UserID:          req.UserID,
			TaskID:          req.TaskID,
			Attempt:         req.Attempt,
			Provider:        req.Provider,
			Variant:         req.Variant,
			DurationSeconds: req.DurationSeconds,
			ExternalTaskID:  req.ExternalTaskID,
			ProcessingTime:  time.Duration(req.ProcessingTimeMS) * time.Millisecond,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"replayed":    res.Replayed,
			"entry_id":    res.Entry.ID,
			"consumption": res.Consumption,
		})

	case "failed":
		res, err := s.settler.SettleFailure(r.Context(), settle.FailureParams{
			UserID:       req.UserID,
			TaskID:       req.TaskID,
			Attempt:      req.Attempt,
			Provider:     req.Provider,
			Variant:      req.Variant,
			ErrorCode:    fault.Code(req.ErrorCode),
			ErrorMessage: req.ErrorMessage,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"replayed": res.Replayed,
			"entry_id": res.Entry.ID,
		})

	default:
		writeError(w, r, fault.Newf(fault.CodeInvalidParameter, "unknown settlement status %q", req.Status))
	}
}

func (s *Server) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	if s.exportPath == "" {
		writeError(w, r, fault.Newf(fault.CodeInvalidParameter, "ledger export path is not configured"))
		return
	}
	n, err := s.exporter.ExportUnreconciled(r.Context(), s.exportPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": n, "path": s.exportPath})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
