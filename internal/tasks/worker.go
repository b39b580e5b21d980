package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/directory"
	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/metrics"
	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

// IdentityResolver loads the account a job runs for.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, email string) (*models.Identity, error)
}

// Marker runs a marking batch.
type Marker interface {
	Mark(ctx context.Context, id *models.Identity, kind learning.Kind, items []actions.Item, scope learning.Scope) (*actions.Outcome, error)
}

type WorkerOptions struct {
	PopTimeout time.Duration
	ErrorDelay time.Duration
}

type Worker struct {
	queue      Queue
	identities IdentityResolver
	marker     Marker
	popTimeout time.Duration
	errorDelay time.Duration
}

func NewWorker(q Queue, identities IdentityResolver, marker Marker, opts WorkerOptions) *Worker {
	pop := opts.PopTimeout
	if pop <= 0 {
		pop = 5 * time.Second
	}
	delay := opts.ErrorDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Worker{
		queue:      q,
		identities: identities,
		marker:     marker,
		popTimeout: pop,
		errorDelay: delay,
	}
}

func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := w.processOne(ctx)
		if err == nil || errors.Is(err, ErrEmpty) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		slog.Error("learning worker cycle failed", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.errorDelay):
		}
	}
}

// processOne runs the next job, if any. A job that cannot be decoded or
// whose account is gone or disabled is dropped. A job whose account cannot
// be looked up is pushed back.
func (w *Worker) processOne(ctx context.Context) (*actions.Outcome, error) {
	payload, err := w.queue.Pop(ctx, w.popTimeout)
	if err != nil {
		return nil, err
	}

	var job LearningJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		metrics.LearningJobsTotal.WithLabelValues("invalid").Inc()
		slog.Error("dropping invalid learning job", "error", err)
		return nil, nil
	}

	id, err := w.identities.ResolveIdentity(ctx, job.AccountEmail)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, directory.ErrAccountDisabled) {
		metrics.LearningJobsTotal.WithLabelValues("invalid").Inc()
		slog.Error("dropping learning job", "job_id", job.ID, "account", job.AccountEmail, "error", err)
		return nil, nil
	}
	if err != nil {
		if perr := w.queue.Push(ctx, payload); perr != nil {
			metrics.LearningJobsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("learning job %s lost: %w", job.ID, errors.Join(err, perr))
		}
		return nil, fmt.Errorf("learning job %s: resolving account: %w", job.ID, err)
	}

	out, err := w.marker.Mark(ctx, id, job.Kind, job.Selection, job.RecipientDB)
	if err != nil {
		metrics.LearningJobsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("learning job %s: %w", job.ID, err)
	}
	if !out.OK {
		metrics.LearningJobsTotal.WithLabelValues("failed").Inc()
		slog.Warn("learning job stopped", "job_id", job.ID, "processed", len(out.Result.Processed), "error", out.Message)
		return out, nil
	}
	metrics.LearningJobsTotal.WithLabelValues("ok").Inc()
	slog.Info("learning job done", "job_id", job.ID, "message", out.Message, "queued_for", time.Since(job.EnqueuedAt).Round(time.Millisecond))
	return out, nil
}
