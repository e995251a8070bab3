// Package reconcile transitions uploads to their terminal state and
// durably persists the outcome, at most once per upload.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/history"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/notify"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/registry"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/security"
)

// DefaultEvictionDelay is how long a terminal upload stays in the
// registry before it is removed. The outcome is already durable by then.
const DefaultEvictionDelay = 10 * time.Second

const notificationTitle = "OSIMAP Upload"

// Recorder performs the durable write for one terminal upload.
type Recorder interface {
	RecordCompletion(ctx context.Context, up core.Upload) (*history.Record, error)
}

// Emitter receives tracker events.
type Emitter interface {
	Emit(e core.Event)
}

// Reconciler applies terminal outcomes exactly once per upload id, even
// under concurrent or duplicate invocation from overlapping poll ticks.
//
// Idempotency rests on two sets: completed ids (reconciled, permanently)
// and locked ids (reconciliation in flight). Check-then-claim happens
// under a single mutex acquisition, so a duplicate call can never slip
// between the check and the claim.
type Reconciler struct {
	registry   *registry.Registry
	recorder   Recorder
	notifier   notify.Notifier
	events     Emitter
	logger     *slog.Logger
	evictAfter time.Duration

	mu        sync.Mutex
	completed map[string]struct{}
	locks     map[string]struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNotifier sets the completion notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// WithEmitter sets the event sink.
func WithEmitter(e Emitter) Option {
	return func(r *Reconciler) { r.events = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithEvictionDelay overrides how long terminal uploads linger in the
// registry.
func WithEvictionDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.evictAfter = d }
}

// New creates a reconciler over the given registry and recorder.
func New(reg *registry.Registry, rec Recorder, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:   reg,
		recorder:   rec,
		notifier:   notify.Nop{},
		logger:     slog.Default(),
		evictAfter: DefaultEvictionDelay,
		completed:  make(map[string]struct{}),
		locks:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete transitions the upload to the terminal state described by the
// outcome. Duplicate and concurrent calls for the same id are no-ops; a
// failed durable write releases the claim so a later tick may retry.
func (r *Reconciler) Complete(ctx context.Context, id string, out core.Outcome) {
	r.mu.Lock()
	if _, done := r.completed[id]; done {
		r.mu.Unlock()
		return
	}
	if _, inFlight := r.locks[id]; inFlight {
		r.mu.Unlock()
		return
	}
	// Claim before any suspension point so re-entrant calls bail out above.
	r.completed[id] = struct{}{}
	r.locks[id] = struct{}{}
	r.mu.Unlock()

	up, ok := r.registry.Get(id)
	if !ok {
		// Raced with manual removal; forget the claim entirely.
		r.forget(id)
		return
	}
	if up.Status != core.StatusProcessing {
		// Already terminal (restored from a snapshot); nothing to write.
		r.unlock(id)
		return
	}

	out.ErrorMessage = security.SanitizeErrorMessage(out.ErrorMessage)
	completedAt := time.Now().UTC()

	// The durable write sees the terminal snapshot, but the registry is
	// not mutated until the write succeeds.
	if _, err := r.recorder.RecordCompletion(ctx, withOutcome(up, out, completedAt)); err != nil {
		r.logger.Warn("history write failed, eligible for retry on a later tick",
			"upload_id", id, "file", up.FileName, "error", err)
		r.forget(id)
		return
	}
	r.unlock(id)

	applied, err := r.registry.ApplyOutcome(id, out, completedAt)
	if err != nil {
		// Removed between write and apply; the history row already exists.
		r.logger.Warn("upload vanished after durable write", "upload_id", id)
		return
	}

	r.registry.SetLastCompleted(applied)
	r.sendNotification(applied)
	r.emitCompletion(applied)
	r.registry.RemoveAfter(id, r.evictAfter)
}

// Reset clears both idempotency sets. Called on purge; terminal statuses
// already present in a restored registry keep duplicate writes out after
// a reset.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.completed = make(map[string]struct{})
	r.locks = make(map[string]struct{})
	r.mu.Unlock()
}

// forget removes the id from both sets so a future tick may retry.
func (r *Reconciler) forget(id string) {
	r.mu.Lock()
	delete(r.completed, id)
	delete(r.locks, id)
	r.mu.Unlock()
}

// unlock releases only the in-flight lock, keeping the id permanently in
// the completed set.
func (r *Reconciler) unlock(id string) {
	r.mu.Lock()
	delete(r.locks, id)
	r.mu.Unlock()
}

func (r *Reconciler) sendNotification(up core.Upload) {
	msg := up.FileName + " uploaded successfully"
	if up.Status == core.StatusFailed {
		msg = up.FileName + " upload failed"
	}
	if err := r.notifier.Notify(notificationTitle, msg); err != nil {
		r.logger.Debug("notification failed", "upload_id", up.ID, "error", err)
	}
}

func (r *Reconciler) emitCompletion(up core.Upload) {
	if r.events == nil {
		return
	}
	now := time.Now()
	if up.Status == core.StatusSuccess {
		r.events.Emit(&core.UploadCompleted{Upload: &up, Timestamp: now})
	} else {
		r.events.Emit(&core.UploadFailed{Upload: &up, Timestamp: now})
	}
}

// withOutcome returns the upload snapshot with terminal fields applied.
func withOutcome(up core.Upload, out core.Outcome, completedAt time.Time) core.Upload {
	up.Status = out.Status
	up.ProcessingTime = out.ProcessingTime
	up.CompletedAt = &completedAt
	if out.Status == core.StatusSuccess {
		up.RecordsProcessed = out.RecordsProcessed
		up.SheetsProcessed = append([]string(nil), out.SheetsProcessed...)
		up.NewRecords = out.NewRecords
		up.DuplicateRecords = out.DuplicateRecords
	} else {
		up.ErrorMessage = out.ErrorMessage
	}
	return up
}
