// Package cleanup purges deleted, released and expired quarantine entries.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/znz-systems/quarantined/internal/metrics"
	"github.com/znz-systems/quarantined/internal/models"
)

const (
	MessageBatch = 5000
	AddressBatch = 100000
)

// Store is the part of the quarantine store a sweep needs.
type Store interface {
	DeleteMessagesWithStatuses(ctx context.Context, statuses []models.Status) (int64, error)
	DeleteMessagesOlderThan(ctx context.Context, cutoff int64, limit int) (int64, error)
	DeleteUnreferencedAddresses(ctx context.Context, limit int) (int64, error)
}

type Options struct {
	// MaxMessagesAge is in days. Zero keeps messages forever.
	MaxMessagesAge  int
	ReleasedCleanup bool
}

// Report counts what a sweep removed.
type Report struct {
	Marked    int64
	Expired   int64
	Addresses int64
}

type Cleaner struct {
	store Store
	opts  Options
	now   func() time.Time
}

func New(s Store, opts Options) *Cleaner {
	return &Cleaner{store: s, opts: opts, now: time.Now}
}

// Sweep deletes messages every recipient of which deleted (or released,
// when enabled), then messages older than MaxMessagesAge, then addresses
// nothing refers to anymore.
func (c *Cleaner) Sweep(ctx context.Context) (Report, error) {
	var r Report

	statuses := []models.Status{models.StatusDeleted}
	if c.opts.ReleasedCleanup {
		statuses = append(statuses, models.StatusReleased)
	}
	n, err := c.store.DeleteMessagesWithStatuses(ctx, statuses)
	if err != nil {
		return r, fmt.Errorf("cleanup: marked messages: %w", err)
	}
	r.Marked = n
	metrics.CleanupDeletedTotal.WithLabelValues("marked").Add(float64(n))
	slog.InfoContext(ctx, "deleted marked messages", "count", n)

	if c.opts.MaxMessagesAge > 0 {
		cutoff := c.now().Add(-time.Duration(c.opts.MaxMessagesAge) * 24 * time.Hour).Unix()
		for {
			n, err := c.store.DeleteMessagesOlderThan(ctx, cutoff, MessageBatch)
			if err != nil {
				return r, fmt.Errorf("cleanup: old messages: %w", err)
			}
			r.Expired += n
			metrics.CleanupDeletedTotal.WithLabelValues("expired").Add(float64(n))
			if n < MessageBatch {
				break
			}
		}
		slog.InfoContext(ctx, "deleted old messages", "count", r.Expired, "max_age_days", c.opts.MaxMessagesAge)
	}

	for {
		n, err := c.store.DeleteUnreferencedAddresses(ctx, AddressBatch)
		if err != nil {
			return r, fmt.Errorf("cleanup: unreferenced addresses: %w", err)
		}
		r.Addresses += n
		metrics.CleanupDeletedTotal.WithLabelValues("address").Add(float64(n))
		if n < AddressBatch {
			break
		}
	}
	slog.InfoContext(ctx, "deleted unreferenced addresses", "count", r.Addresses)

	return r, nil
}

// Run sweeps every interval until ctx is done.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				slog.Error("quarantine cleanup failed", "error", err)
			}
		}
	}
}
