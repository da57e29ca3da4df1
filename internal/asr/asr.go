// SPDX-License-Identifier: MIT

// Package asr defines the provider capability contract and the process-wide
// registry mapping (provider, variant) to an implementation. The registry is
// populated at startup and read-only afterwards; it is passed explicitly to
// the scheduler rather than living as a package singleton.
package asr

import (
	"context"
	"fmt"
	"sync"
)

// TranscriptSegment is one span of recognised speech. Segment streams are
// finite and materialised in full before settlement.
type TranscriptSegment struct {
	SpeakerID  string   `json:"speaker_id"`
	StartTime  float64  `json:"start_time"`
	EndTime    float64  `json:"end_time"`
	Content    string   `json:"content"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Duration is the span covered by the segment, in seconds.
func (s TranscriptSegment) Duration() float64 {
	d := s.EndTime - s.StartTime
	if d < 0 {
		return 0
	}
	return d
}

// Result is a completed transcription. DurationSeconds is the duration the
// provider reports; when a provider reports none, callers fall back to
// SegmentsDuration.
type Result struct {
	Segments        []TranscriptSegment
	DurationSeconds float64
	ExternalTaskID  string
}

// SegmentsDuration sums the segment spans.
func (r *Result) SegmentsDuration() float64 {
	var total float64
	for _, s := range r.Segments {
		total += s.Duration()
	}
	return total
}

// Transcriber is the opaque provider capability. audioRef is a storage key
// or URL the provider can fetch; the core never inspects it.
type Transcriber interface {
	Transcribe(ctx context.Context, audioRef string) (*Result, error)
}

// External stands in for a provider executed by the worker runtime. The
// core schedules and settles such providers but never transcribes with
// them in-process.
type External struct {
	Provider string
	Variant  string
}

// Transcribe always fails: execution belongs to the workers.
func (e External) Transcribe(context.Context, string) (*Result, error) {
	return nil, fmt.Errorf("asr: provider %s/%s runs in the worker runtime", e.Provider, e.Variant)
}

type key struct {
	provider string
	variant  string
}

// Registry maps (provider, variant) pairs to implementations, preserving
// registration order for stable scheduling tie-breaks.
type Registry struct {
	mu       sync.RWMutex
	entries  map[key]Transcriber
	ordered  []string
	seen     map[string]bool
	variants map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[key]Transcriber),
		seen:     make(map[string]bool),
		variants: make(map[string][]string),
	}
}

// Register binds an implementation to (provider, variant). Re-registering a
// pair is a programming error.
func (r *Registry) Register(provider, variant string, t Transcriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{provider, variant}
	if _, dup := r.entries[k]; dup {
		return fmt.Errorf("asr: provider %s/%s already registered", provider, variant)
	}
	r.entries[k] = t
	if !r.seen[provider] {
		r.seen[provider] = true
		r.ordered = append(r.ordered, provider)
	}
	r.variants[provider] = append(r.variants[provider], variant)
	return nil
}

// Lookup returns the implementation for (provider, variant), or nil.
func (r *Registry) Lookup(provider, variant string) Transcriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key{provider, variant}]
}

// Has reports whether any variant of the provider is registered.
func (r *Registry) Has(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seen[provider]
}

// Providers lists registered provider names in registration order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Variants lists the variants registered for a provider, in order.
func (r *Registry) Variants(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.variants[provider]))
	copy(out, r.variants[provider])
	return out
}
