// SPDX-License-Identifier: MIT

// Package task implements the creation pre-check gate: source validation,
// content fingerprinting, de-duplication, the quota viability check, and
// the queued handoff to the worker runtime.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/skald-audio/skald/internal/accounting"
	"github.com/skald-audio/skald/internal/fault"
	"github.com/skald-audio/skald/internal/log"
	"github.com/skald-audio/skald/internal/metrics"
	"github.com/skald-audio/skald/internal/pricing"
	"github.com/skald-audio/skald/internal/queue"
	"github.com/skald-audio/skald/internal/quota"
	"github.com/skald-audio/skald/internal/scheduler"
	"github.com/skald-audio/skald/internal/store"
	"github.com/skald-audio/skald/internal/videoprobe"
)

// maxRetries caps how often a failed task may be requeued.
const maxRetries = 3

const (
	SourceUpload  = "upload"
	SourceYouTube = "youtube"
)

// Options are the request options the core inspects. Collaborator-only keys
// (summary style, LLM selection) pass through opaquely in the stored blob.
type Options struct {
	Language                 string `json:"language,omitempty"`
	EnableSpeakerDiarization bool   `json:"enable_speaker_diarization,omitempty"`
	WordLevel                bool   `json:"word_level,omitempty"`
	SummaryStyle             string `json:"summary_style,omitempty"`
	ASRProvider              string `json:"asr_provider,omitempty"`
	ASRVariant               string `json:"asr_variant,omitempty"`
	LLMProvider              string `json:"llm_provider,omitempty"`
	LLMModelID               string `json:"llm_model_id,omitempty"`
}

// CreateRequest is one task-creation attempt.
type CreateRequest struct {
	Title       string  `json:"title,omitempty"`
	SourceType  string  `json:"source_type"`
	FileKey     string  `json:"file_key,omitempty"`
	SourceURL   string  `json:"source_url,omitempty"`
	ContentHash string  `json:"content_hash,omitempty"`
	Options     Options `json:"options"`
}

// Identity is the caller as asserted by the fronting gateway.
type Identity struct {
	UserID string
	Admin  bool
}

// Gate runs the pre-check pipeline.
type Gate struct {
	store     *store.Store
	pricing   *pricing.Service
	acct      *accounting.Accountant
	limiter   *quota.Limiter
	scheduler *scheduler.Scheduler
	prober    *videoprobe.Prober
	publisher queue.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// NewGate wires the gate. prober may be nil to skip URL probing (tests).
func NewGate(st *store.Store, ps *pricing.Service, acct *accounting.Accountant, lim *quota.Limiter, sched *scheduler.Scheduler, prober *videoprobe.Prober, pub queue.Publisher) *Gate {
	return &Gate{
		store:     st,
		pricing:   ps,
		acct:      acct,
		limiter:   lim,
		scheduler: sched,
		prober:    prober,
		publisher: pub,
		now:       time.Now,
		logger:    log.WithComponent("task"),
	}
}

func variantOf(opts Options) string {
	if opts.ASRVariant == "" {
		return "file"
	}
	return opts.ASRVariant
}

// validate checks the source descriptor and resolves the content
// fingerprint, probing video URLs when a prober is configured.
func (g *Gate) validate(ctx context.Context, req *CreateRequest) (contentHash string, sourceURL, sourceKey *string, err error) {
	if req.Options.Language != "" {
		if _, err := language.Parse(req.Options.Language); err != nil {
			return "", nil, nil, fault.Newf(fault.CodeInvalidParameter, "invalid language tag %q", req.Options.Language)
		}
	}

	switch req.SourceType {
	case SourceUpload:
		if req.FileKey == "" {
			return "", nil, nil, fault.Newf(fault.CodeMissingRequiredParameter, "file_key is required for uploads")
		}
		if req.ContentHash == "" {
			return "", nil, nil, fault.Newf(fault.CodeMissingRequiredParameter, "content_hash is required for uploads")
		}
		return req.ContentHash, nil, &req.FileKey, nil

	case SourceYouTube:
		if req.SourceURL == "" {
			return "", nil, nil, fault.Newf(fault.CodeMissingRequiredParameter, "source_url is required for video tasks")
		}
		video, err := videoprobe.Parse(req.SourceURL)
		if err != nil {
			return "", nil, nil, err
		}
		if g.prober != nil {
			if err := g.prober.Probe(ctx, video); err != nil {
				return "", nil, nil, err
			}
		}
		return video.Fingerprint(), &req.SourceURL, nil, nil

	default:
		return "", nil, nil, fault.Newf(fault.CodeUnsupportedSourceFormat, "unknown source_type %q", req.SourceType)
	}
}

// dedup rejects fingerprint collisions: completed twins reject with
// task_already_exists, in-flight twins with task_in_progress. Failed twins
// permit a fresh attempt.
func (g *Gate) dedup(ctx context.Context, userID, contentHash string) error {
	twins, err := g.store.TasksByFingerprint(ctx, g.store.DB(), userID, contentHash)
	if err != nil {
		return err
	}

	processing := make(map[string]bool, len(store.ProcessingStatuses))
	for _, s := range store.ProcessingStatuses {
		processing[s] = true
	}

	for i := range twins {
		switch {
		case twins[i].Status == store.TaskStatusCompleted:
			return fault.Newf(fault.CodeTaskAlreadyExists, "identical content already transcribed as task %s", twins[i].ID)
		case processing[twins[i].Status]:
			return fault.Newf(fault.CodeTaskInProgress, "identical content already queued as task %s", twins[i].ID)
		}
	}
	return nil
}

// checkViability is the quota pre-check. Admins bypass it entirely.
func (g *Gate) checkViability(ctx context.Context, id Identity, opts Options) error {
	if id.Admin {
		return nil
	}

	variant := variantOf(opts)
	features := scheduler.Features{
		Diarization: opts.EnableSpeakerDiarization,
		WordLevel:   opts.WordLevel,
	}

	if opts.ASRProvider != "" {
		return g.checkPinned(ctx, id.UserID, opts.ASRProvider, variant)
	}

	ok, err := g.scheduler.HasCandidates(ctx, scheduler.Request{
		UserID:   id.UserID,
		Variant:  variant,
		Features: features,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.CodeAllProvidersExhausted, "no provider can serve this request")
	}
	return nil
}

// checkPinned verifies an explicitly requested provider: it must be priced
// and enabled, and the user must have either quota headroom or platform
// free seconds left on it.
func (g *Gate) checkPinned(ctx context.Context, userID, provider, variant string) error {
	cfg, err := g.pricing.Get(ctx, provider, variant)
	if err != nil {
		return err
	}
	if cfg == nil {
		return fault.Newf(fault.CodeProviderNotRegistered, "provider %s/%s is not configured", provider, variant)
	}
	if !cfg.IsEnabled {
		return fault.Newf(fault.CodeProviderDisabled, "provider %s/%s is disabled", provider, variant)
	}

	now := g.now()
	available, err := g.limiter.Available(ctx, g.store.DB(), userID, provider, variant, now)
	if err != nil {
		return err
	}
	if available {
		return nil
	}

	remaining, err := g.acct.RemainingFree(ctx, g.store.DB(), cfg, now)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return fault.Newf(fault.CodeProviderQuotaExhausted, "quota exhausted for provider %s/%s", provider, variant)
}

// Create runs the full pre-check pipeline. On success the task is persisted
// as queued and exactly one job descriptor is emitted; on any rejection no
// task row exists.
func (g *Gate) Create(ctx context.Context, id Identity, req CreateRequest) (*store.Task, error) {
	created, err := g.create(ctx, id, req)
	if err != nil {
		if code := fault.CodeOf(err); code != "" {
			metrics.PrecheckRejections.WithLabelValues(string(code)).Inc()
		}
		return nil, err
	}
	metrics.TasksAccepted.WithLabelValues(created.SourceType).Inc()
	return created, nil
}

func (g *Gate) create(ctx context.Context, id Identity, req CreateRequest) (*store.Task, error) {
	contentHash, sourceURL, sourceKey, err := g.validate(ctx, &req)
	if err != nil {
		return nil, err
	}

	if err := g.dedup(ctx, id.UserID, contentHash); err != nil {
		return nil, err
	}

	if err := g.checkViability(ctx, id, req.Options); err != nil {
		return nil, err
	}

	optionsJSON, err := json.Marshal(req.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	stage := "queued"
	requestID := log.RequestIDFromContext(ctx)
	t := store.Task{
		UserID:      id.UserID,
		ContentHash: &contentHash,
		SourceType:  req.SourceType,
		SourceURL:   sourceURL,
		SourceKey:   sourceKey,
		Options:     optionsJSON,
		Status:      store.TaskStatusQueued,
		Progress:    1,
		Stage:       &stage,
	}
	if req.Title != "" {
		t.Title = &req.Title
	}
	if requestID != "" {
		t.RequestID = &requestID
	}
	if req.Options.ASRProvider != "" {
		t.ASRProvider = &req.Options.ASRProvider
	}

	created, err := g.store.InsertTask(ctx, g.store.DB(), t)
	if err != nil {
		return nil, err
	}

	if err := g.publisher.Publish(ctx, queue.Job{
		TaskID:     created.ID,
		UserID:     created.UserID,
		SourceType: created.SourceType,
		RequestID:  requestID,
		EnqueuedAt: g.now(),
	}); err != nil {
		// The row exists but the worker will never see it; surface the
		// failure so the caller retries with a fresh request.
		return nil, fmt.Errorf("enqueue task %s: %w", created.ID, err)
	}

	g.logger.Info().
		Str(log.FieldTaskID, created.ID).
		Str(log.FieldUserID, created.UserID).
		Str("source_type", created.SourceType).
		Msg("task accepted")

	return created, nil
}

// Retry requeues a failed task. Idempotent per attempt: the guarded retry
// bump ensures a replayed call neither advances the counter nor publishes
// a second descriptor.
func (g *Gate) Retry(ctx context.Context, id Identity, taskID string) (*store.Task, error) {
	t, err := g.store.TaskByID(ctx, g.store.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.DeletedAt != nil || (t.UserID != id.UserID && !id.Admin) {
		return nil, fault.Newf(fault.CodeTaskNotFound, "task %s not found", taskID)
	}
	if t.Status != store.TaskStatusFailed {
		return nil, fault.Newf(fault.CodeTaskNotRetryable, "task %s is %s", taskID, t.Status)
	}
	if t.RetryCount >= maxRetries {
		return nil, fault.Newf(fault.CodeTaskRetryLimitExceeded, "task %s exceeded %d retries", taskID, maxRetries)
	}

	var opts Options
	if err := json.Unmarshal(t.Options, &opts); err == nil {
		if err := g.checkViability(ctx, id, opts); err != nil {
			return nil, err
		}
	}

	bumped, err := g.store.BumpTaskRetry(ctx, g.store.DB(), taskID, t.RetryCount)
	if err != nil {
		return nil, err
	}
	if bumped {
		if err := g.store.UpdateTaskStatus(ctx, g.store.DB(), taskID, store.TaskStatusQueued, "queued", 1); err != nil {
			return nil, err
		}
		if err := g.publisher.Publish(ctx, queue.Job{
			TaskID:     t.ID,
			UserID:     t.UserID,
			SourceType: t.SourceType,
			EnqueuedAt: g.now(),
		}); err != nil {
			return nil, fmt.Errorf("enqueue retry of task %s: %w", t.ID, err)
		}
	}

	return g.store.TaskByID(ctx, g.store.DB(), taskID)
}

// Delete soft-deletes a task, scoped like Get. In-flight tasks cannot be
// deleted; the fingerprint index ignores deleted rows, so the same content
// may be resubmitted afterwards.
func (g *Gate) Delete(ctx context.Context, id Identity, taskID string) error {
	t, err := g.store.TaskByID(ctx, g.store.DB(), taskID)
	if err != nil {
		return err
	}
	if t == nil || t.DeletedAt != nil || (t.UserID != id.UserID && !id.Admin) {
		return fault.Newf(fault.CodeTaskNotFound, "task %s not found", taskID)
	}
	for _, s := range store.ProcessingStatuses {
		if t.Status == s {
			return fault.Newf(fault.CodeTaskInProgress, "task %s is still %s", taskID, t.Status)
		}
	}
	return g.store.SoftDeleteTask(ctx, g.store.DB(), taskID)
}

// Get reads one task, scoped to its owner unless the caller is an admin.
func (g *Gate) Get(ctx context.Context, id Identity, taskID string) (*store.Task, error) {
	t, err := g.store.TaskByID(ctx, g.store.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.DeletedAt != nil || (t.UserID != id.UserID && !id.Admin) {
		return nil, fault.Newf(fault.CodeTaskNotFound, "task %s not found", taskID)
	}
	return t, nil
}
