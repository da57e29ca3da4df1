// SPDX-License-Identifier: MIT

// Package queue hands accepted tasks to the worker runtime. The core only
// publishes job descriptors; consumption is the worker's side of the
// contract.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the redis list the worker runtime consumes.
const DefaultKey = "skald:jobs"

// Job is the descriptor emitted to the worker once per accepted task.
type Job struct {
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	SourceType string    `json:"source_type"`
	RequestID  string    `json:"request_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Publisher emits job descriptors.
type Publisher interface {
	Publish(ctx context.Context, job Job) error
}

// RedisPublisher pushes descriptors onto a redis list.
type RedisPublisher struct {
	client redis.UniversalClient
	key    string
}

// NewRedisPublisher creates a publisher on the given list key; an empty key
// uses DefaultKey.
func NewRedisPublisher(client redis.UniversalClient, key string) *RedisPublisher {
	if key == "" {
		key = DefaultKey
	}
	return &RedisPublisher{client: client, key: key}
}

func (p *RedisPublisher) Publish(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := p.client.RPush(ctx, p.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// MemoryPublisher collects descriptors in memory. Tests and single-process
// deployments use it.
type MemoryPublisher struct {
	mu   sync.Mutex
	jobs []Job
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

// Jobs returns a copy of everything published so far.
func (p *MemoryPublisher) Jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, len(p.jobs))
	copy(out, p.jobs)
	return out
}
