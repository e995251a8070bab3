// Package poll drives the periodic status loop against the processing
// backend and fans results out to tracked uploads.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/registry"
)

// DefaultInterval is the poll interval while uploads are processing.
const DefaultInterval = 2 * time.Second

// StatusClient fetches the backend's processing status.
type StatusClient interface {
	Status(ctx context.Context) (*core.BackendStatus, error)
}

// Completer applies a terminal outcome to one upload.
type Completer interface {
	Complete(ctx context.Context, id string, out core.Outcome)
}

// Poller runs a single periodic status loop while at least one upload is
// processing. The loop tears itself down when the processing count
// reaches zero and is re-armed by Ensure.
//
// The backend reports one global status (it runs at most one job at a
// time), so each tick's response is applied to every processing upload.
type Poller struct {
	registry  *registry.Registry
	client    StatusClient
	completer Completer
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// New creates a poller over the given registry, client, and completer.
func New(reg *registry.Registry, client StatusClient, completer Completer, opts ...Option) *Poller {
	p := &Poller{
		registry:  reg,
		client:    client,
		completer: completer,
		interval:  DefaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ensure starts the poll loop if it is not already running and at least
// one upload is processing. Exactly one loop exists at any time no
// matter how often Ensure is called.
func (p *Poller) Ensure(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	if p.registry.ProcessingCount() == 0 {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.loop(loopCtx, done)
}

// Stop tears down the poll loop and waits for it to exit. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.tick(ctx) {
				// No processing uploads left; tear down until Ensure
				// re-arms the loop. Guard against clobbering a loop
				// started after an external Stop. Cancel releases the
				// derived context from its parent.
				p.mu.Lock()
				if p.done == done {
					p.cancel()
					p.cancel, p.done = nil, nil
				}
				p.mu.Unlock()
				return
			}
		}
	}
}

// tick performs one status poll. It returns false when no uploads are
// processing and the loop should stop.
func (p *Poller) tick(ctx context.Context) bool {
	ids := p.registry.ProcessingIDs()
	if len(ids) == 0 {
		return false
	}

	status, err := p.client.Status(ctx)
	if err != nil {
		// Transient failure: log and keep ticking.
		p.logger.Warn("status poll failed", "error", err)
		return true
	}

	for _, id := range ids {
		p.dispatch(ctx, id, status)
	}
	return true
}

// dispatch applies one status response to one processing upload.
// Reconciliation runs in its own goroutine and may outlive the tick;
// the reconciler's idempotency guard closes that window.
func (p *Poller) dispatch(ctx context.Context, id string, status *core.BackendStatus) {
	switch {
	case status.Status == core.StateError:
		msg := status.ProcessingError
		if msg == "" {
			msg = "Unknown error"
		}
		out := core.Outcome{
			Status:         core.StatusFailed,
			ProcessingTime: status.ProcessingTime,
			ErrorMessage:   msg,
		}
		go p.completer.Complete(ctx, id, out)

	case !status.IsProcessing && status.Status == core.StateIdle:
		out := core.Outcome{
			Status:           core.StatusSuccess,
			ProcessingTime:   status.ProcessingTime,
			RecordsProcessed: status.RecordsProcessed,
			SheetsProcessed:  status.SheetsProcessed,
			NewRecords:       status.NewRecords,
			DuplicateRecords: status.DuplicateRecords,
		}
		go p.completer.Complete(ctx, id, out)

	case status.IsProcessing:
		p.registry.Update(id, status.ProcessingTime)
	}
}
