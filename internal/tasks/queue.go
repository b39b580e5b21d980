// Package tasks offloads manual learning batches to a Redis backed queue
// consumed by the worker process.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/learning"
)

// ErrEmpty is returned by Queue.Pop when no job arrived in time.
var ErrEmpty = errors.New("queue is empty")

// LearningJob is a marking batch run on behalf of AccountEmail.
type LearningJob struct {
	ID           string         `json:"id"`
	AccountEmail string         `json:"account_email"`
	Kind         learning.Kind  `json:"kind"`
	Selection    []actions.Item `json:"selection"`
	RecipientDB  learning.Scope `json:"recipient_db,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
}

// Queue is a FIFO of encoded jobs.
type Queue interface {
	Push(ctx context.Context, payload string) error
	// Pop blocks for up to timeout and returns ErrEmpty when nothing came.
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// RedisQueue pushes on the left of a list and pops from its right.
type RedisQueue struct {
	rdb  *redis.Client
	name string
}

func NewRedisQueue(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name}
}

func (q *RedisQueue) Push(ctx context.Context, payload string) error {
	if err := q.rdb.LPush(ctx, q.name, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("redis BRPOP: %w", err)
	}
	// BRPOP answers with the list name followed by the value.
	if len(res) != 2 {
		return "", fmt.Errorf("redis BRPOP: unexpected reply of %d elements", len(res))
	}
	return res[1], nil
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

// Publisher enqueues learning jobs.
type Publisher struct {
	queue Queue
}

func NewPublisher(q Queue) *Publisher {
	return &Publisher{queue: q}
}

// Enqueue schedules a marking batch and returns its job id.
func (p *Publisher) Enqueue(ctx context.Context, accountEmail string, kind learning.Kind, items []actions.Item, scope learning.Scope) (string, error) {
	job := LearningJob{
		ID:           uuid.New().String(),
		AccountEmail: accountEmail,
		Kind:         kind,
		Selection:    items,
		RecipientDB:  scope,
		EnqueuedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal learning job: %w", err)
	}
	if err := p.queue.Push(ctx, string(payload)); err != nil {
		return "", err
	}
	slog.Info("learning job queued", "job_id", job.ID, "account", accountEmail, "kind", kind, "items", len(items))
	return job.ID, nil
}
