package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/schedule"
)

// DefaultRetention is how long history and activity rows are kept.
const DefaultRetention = 180 * 24 * time.Hour

// Pruner periodically deletes history and activity rows older than the
// retention window.
type Pruner struct {
	store     *GormStore
	retention time.Duration
	sched     schedule.Schedule
	logger    *slog.Logger
}

// PrunerOption configures a Pruner.
type PrunerOption func(*Pruner)

// WithRetention sets the retention window.
func WithRetention(d time.Duration) PrunerOption {
	return func(p *Pruner) { p.retention = d }
}

// WithSchedule sets when pruning runs. Defaults to daily at 03:00 UTC.
func WithSchedule(s schedule.Schedule) PrunerOption {
	return func(p *Pruner) { p.sched = s }
}

// WithPrunerLogger sets the logger.
func WithPrunerLogger(l *slog.Logger) PrunerOption {
	return func(p *Pruner) { p.logger = l }
}

// NewPruner creates a pruner over the given store.
func NewPruner(store *GormStore, opts ...PrunerOption) *Pruner {
	p := &Pruner{
		store:     store,
		retention: DefaultRetention,
		sched:     schedule.Daily(3, 0),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs the pruning loop until the context is cancelled.
func (p *Pruner) Start(ctx context.Context) error {
	for {
		next := p.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Warn("history pruning failed", "error", err)
			}
		}
	}
}

// RunOnce prunes rows older than the retention window.
func (p *Pruner) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-p.retention)
	deleted, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		p.logger.Info("pruned upload history", "deleted", deleted, "cutoff", cutoff)
	}
	return nil
}
