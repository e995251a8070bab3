// Package tracker provides client-side tracking for spreadsheet uploads
// processed by the OSIMAP backend.
//
// This is the main package users should import. It re-exports the public
// types from the internal pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open the durable cache, the history database, and the backend client
//	c, _ := cache.NewFileCache(dir)
//	db, _ := gorm.Open(sqlite.Open("history.db"), &gorm.Config{})
//	client := tracker.NewClient("http://localhost:3001")
//
//	tr := tracker.New(c, client, db)
//	tr.Start(ctx)
//	defer tr.Close()
//
//	// Sign in and upload
//	tr.Sessions().SignIn(tracker.User{ID: "user-1"})
//	up, _ := tr.Upload(ctx, file, meta)
package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/backend"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/history"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/notify"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/poll"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/reconcile"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/registry"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/session"
)

// purge reasons carried by the TrackerPurged event.
const (
	PurgeReasonLogout  = "logout"
	PurgeReasonSession = "session_ended"
)

// Tracker coordinates the registry, poller, reconciler, history store,
// and session guard behind one API.
type Tracker struct {
	logger    *slog.Logger
	registry  *registry.Registry
	client    *backend.Client
	store     *history.GormStore
	reconcile *reconcile.Reconciler
	poller    *poll.Poller
	sessions  *session.Manager
	guard     *session.Guard
	pruner    *history.Pruner

	confirmLogout func(processing []core.Upload) bool
	stopPruner    context.CancelFunc

	mu         sync.RWMutex
	onComplete []func(context.Context, core.Upload)
	onFail     []func(context.Context, core.Upload)
	eventSubs  []chan core.Event
}

// Options configures a Tracker during New.
type Options struct {
	Logger        *slog.Logger
	Notifier      notify.Notifier
	PollInterval  time.Duration
	EvictionDelay time.Duration
	SessionTTL    time.Duration
	GuardInterval time.Duration
	Retention     time.Duration
	// ConfirmLogout decides whether Logout may proceed while uploads are
	// still processing. Nil means logout is refused in that case.
	ConfirmLogout func(processing []core.Upload) bool
}

// Option modifies Options.
type Option func(*Options)

// WithLogger sets the logger used by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithNotifier sets the completion notifier. Defaults to no-op.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Options) { o.Notifier = n }
}

// WithPollInterval overrides the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

// WithEvictionDelay overrides how long terminal uploads stay visible.
func WithEvictionDelay(d time.Duration) Option {
	return func(o *Options) { o.EvictionDelay = d }
}

// WithSessionTTL overrides the session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Options) { o.SessionTTL = d }
}

// WithGuardInterval overrides the session guard check interval.
func WithGuardInterval(d time.Duration) Option {
	return func(o *Options) { o.GuardInterval = d }
}

// WithHistoryRetention overrides how long history rows are kept before
// the nightly pruning run deletes them.
func WithHistoryRetention(d time.Duration) Option {
	return func(o *Options) { o.Retention = d }
}

// WithConfirmLogout installs the callback consulted when Logout is
// requested while uploads are processing.
func WithConfirmLogout(fn func(processing []core.Upload) bool) Option {
	return func(o *Options) { o.ConfirmLogout = fn }
}

// New creates a tracker over the given durable cache, backend client,
// and history database. State left in the cache by a previous run is
// restored.
func New(c cache.Cache, client *backend.Client, db *gorm.DB, opts ...Option) *Tracker {
	o := &Options{
		Logger:        slog.Default(),
		Notifier:      notify.Nop{},
		PollInterval:  poll.DefaultInterval,
		EvictionDelay: reconcile.DefaultEvictionDelay,
		SessionTTL:    session.DefaultTTL,
		GuardInterval: session.DefaultGuardInterval,
		Retention:     history.DefaultRetention,
	}
	for _, opt := range opts {
		opt(o)
	}

	t := &Tracker{
		logger:        o.Logger,
		client:        client,
		confirmLogout: o.ConfirmLogout,
	}

	t.registry = registry.New(c,
		registry.WithLogger(o.Logger),
		registry.WithOnEvict(func(id string) {
			t.Emit(&core.UploadEvicted{UploadID: id, Timestamp: time.Now()})
		}),
	)
	t.sessions = session.NewManager(c,
		session.WithLogger(o.Logger),
		session.WithTTL(o.SessionTTL),
	)
	t.store = history.NewGormStore(db, t.sessions,
		history.WithStoreLogger(o.Logger),
	)
	t.reconcile = reconcile.New(t.registry, t.store,
		reconcile.WithNotifier(o.Notifier),
		reconcile.WithEmitter(t),
		reconcile.WithLogger(o.Logger),
		reconcile.WithEvictionDelay(o.EvictionDelay),
	)
	t.poller = poll.New(t.registry, client, t.reconcile,
		poll.WithInterval(o.PollInterval),
		poll.WithLogger(o.Logger),
	)
	t.guard = session.NewGuard(t.sessions, t,
		session.WithGuardInterval(o.GuardInterval),
		session.WithGuardLogger(o.Logger),
	)
	t.pruner = history.NewPruner(t.store,
		history.WithRetention(o.Retention),
		history.WithPrunerLogger(o.Logger),
	)
	return t
}

// Start migrates the history schema, launches the session guard, and
// re-arms the poll loop if uploads restored from the cache are still
// processing.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.store.Migrate(ctx); err != nil {
		return err
	}
	t.guard.Start(ctx)
	t.poller.Ensure(ctx)

	pruneCtx, cancel := context.WithCancel(ctx)
	t.stopPruner = cancel
	go func() {
		if err := t.pruner.Start(pruneCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Warn("history pruner stopped", "error", err)
		}
	}()
	return nil
}

// Close stops the poll loop, the session guard, and the pruner. Tracked
// state stays in the durable cache for the next run.
func (t *Tracker) Close() {
	t.poller.Stop()
	t.guard.Stop()
	if t.stopPruner != nil {
		t.stopPruner()
	}
}

// Sessions returns the session manager.
func (t *Tracker) Sessions() *session.Manager { return t.sessions }

// History returns the history store.
func (t *Tracker) History() *history.GormStore { return t.store }

// Upload validates and sends the file to the backend, then tracks it.
// It fails without a valid session and surfaces the backend's busy
// signal as ErrAlreadyProcessing.
func (t *Tracker) Upload(ctx context.Context, file io.Reader, meta backend.Metadata) (core.Upload, error) {
	if !t.sessions.Authenticated() {
		return core.Upload{}, core.ErrNotAuthenticated
	}
	if _, err := t.client.Upload(ctx, file, meta); err != nil {
		return core.Upload{}, err
	}
	return t.Track(ctx, meta.OriginalName, meta.Size), nil
}

// Track registers an already-sent upload and ensures the poll loop is
// running. The returned upload starts in the processing state.
func (t *Tracker) Track(ctx context.Context, fileName string, fileSize int64) core.Upload {
	up := t.registry.Create(fileName, fileSize)
	t.Emit(&core.UploadStarted{Upload: &up, Timestamp: time.Now()})
	t.poller.Ensure(ctx)
	return up
}

// ActiveUploads returns all tracked uploads in insertion order.
func (t *Tracker) ActiveUploads() []core.Upload {
	return t.registry.Uploads()
}

// ProcessingCount returns the number of uploads still processing.
func (t *Tracker) ProcessingCount() int {
	return t.registry.ProcessingCount()
}

// Remove deletes one tracked upload immediately.
func (t *Tracker) Remove(id string) {
	t.registry.Remove(id)
}

// ClearCompleted removes every upload that reached a terminal state.
func (t *Tracker) ClearCompleted() {
	t.registry.ClearCompleted()
}

// LastCompleted returns the most recently completed upload, which
// survives eviction and restarts until cleared.
func (t *Tracker) LastCompleted() (core.Upload, bool) {
	return t.registry.LastCompleted()
}

// ClearLastCompleted dismisses the last-completed snapshot.
func (t *Tracker) ClearLastCompleted() {
	t.registry.ClearLastCompleted()
}

// Logout ends the session and purges all tracked state. While uploads
// are processing it consults the ConfirmLogout callback; without one,
// or if it declines, Logout returns ErrUploadsInProgress. A confirmed
// logout asks the backend to cancel the running job, best effort.
func (t *Tracker) Logout(ctx context.Context) error {
	if ids := t.registry.ProcessingIDs(); len(ids) > 0 {
		if t.confirmLogout == nil || !t.confirmLogout(t.processingUploads()) {
			return core.ErrUploadsInProgress
		}
		if err := t.client.Cancel(ctx); err != nil {
			t.logger.Warn("backend cancel on logout failed", "error", err)
		}
	}

	if _, err := t.store.LogActivity(ctx, "User logged out", history.LogTypeLogout, ""); err != nil {
		t.logger.Warn("failed to log logout activity", "error", err)
	}

	t.sessions.SignOut()
	t.purge(PurgeReasonLogout)
	return nil
}

// HasJobState reports whether any tracked state exists. It satisfies the
// session guard's Purger.
func (t *Tracker) HasJobState() bool {
	if len(t.registry.Uploads()) > 0 {
		return true
	}
	_, ok := t.registry.LastCompleted()
	return ok
}

// Purge clears all tracked state after the session ended. It satisfies
// the session guard's Purger.
func (t *Tracker) Purge() {
	t.purge(PurgeReasonSession)
}

func (t *Tracker) purge(reason string) {
	t.poller.Stop()
	t.reconcile.Reset()
	t.registry.ClearAll()
	t.logger.Info("tracker state purged", "reason", reason)
	t.Emit(&core.TrackerPurged{Reason: reason, Timestamp: time.Now()})
}

// OnUploadComplete registers a callback for successful completions. The
// callback runs after the history record is durably written.
func (t *Tracker) OnUploadComplete(fn func(context.Context, core.Upload)) {
	t.mu.Lock()
	t.onComplete = append(t.onComplete, fn)
	t.mu.Unlock()
}

// OnUploadFail registers a callback for failed completions.
func (t *Tracker) OnUploadFail(fn func(context.Context, core.Upload)) {
	t.mu.Lock()
	t.onFail = append(t.onFail, fn)
	t.mu.Unlock()
}

// Events returns a channel for receiving tracker events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (t *Tracker) Events() <-chan core.Event {
	ch := make(chan core.Event, 100)
	t.mu.Lock()
	t.eventSubs = append(t.eventSubs, ch)
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling
// Unsubscribe. After Unsubscribe returns, no further events are sent.
func (t *Tracker) Unsubscribe(ch <-chan core.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, sub := range t.eventSubs {
		if sub == ch {
			t.eventSubs = append(t.eventSubs[:i], t.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to all subscribers, dropping it for any
// subscriber whose buffer is full, and runs the matching hooks.
func (t *Tracker) Emit(e core.Event) {
	t.mu.RLock()
	subs := make([]chan core.Event, len(t.eventSubs))
	copy(subs, t.eventSubs)
	t.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full so a slow consumer never blocks completion.
		}
	}

	switch ev := e.(type) {
	case *core.UploadCompleted:
		t.callCompleteHooks(*ev.Upload)
	case *core.UploadFailed:
		t.callFailHooks(*ev.Upload)
	}
}

func (t *Tracker) callCompleteHooks(up core.Upload) {
	t.mu.RLock()
	hooks := make([]func(context.Context, core.Upload), len(t.onComplete))
	copy(hooks, t.onComplete)
	t.mu.RUnlock()

	for _, fn := range hooks {
		fn(context.Background(), up)
	}
}

func (t *Tracker) callFailHooks(up core.Upload) {
	t.mu.RLock()
	hooks := make([]func(context.Context, core.Upload), len(t.onFail))
	copy(hooks, t.onFail)
	t.mu.RUnlock()

	for _, fn := range hooks {
		fn(context.Background(), up)
	}
}

func (t *Tracker) processingUploads() []core.Upload {
	var out []core.Upload
	for _, up := range t.registry.Uploads() {
		if up.Status == core.StatusProcessing {
			out = append(out, up)
		}
	}
	return out
}
