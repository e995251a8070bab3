// Package session tracks the authenticated user and guards tracker
// state against surviving a logout.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
)

// DefaultTTL is how long a session stays valid without an Extend.
const DefaultTTL = 15 * time.Minute

// DefaultGuardInterval is how often the guard re-checks the session.
const DefaultGuardInterval = time.Second

// User identifies the signed-in user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// snapshot is the durable cache representation of a session.
type snapshot struct {
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager holds the current session, mirrored to the durable cache so a
// restart within the TTL keeps the user signed in.
type Manager struct {
	cache  cache.Cache
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	current *snapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the session lifetime.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager restored from the durable cache. Expired
// or corrupt snapshots are discarded.
func NewManager(c cache.Cache, opts ...Option) *Manager {
	m := &Manager{
		cache:  c,
		logger: slog.Default(),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	data, ok, err := m.cache.Get(cache.KeySession)
	if err != nil {
		m.logger.Warn("failed to read session snapshot", "error", err)
		return
	}
	if !ok {
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("discarding corrupt session snapshot", "error", err)
		return
	}
	if !m.now().Before(snap.ExpiresAt) {
		// Expired while the process was down.
		if err := m.cache.Delete(cache.KeySession); err != nil {
			m.logger.Warn("failed to delete expired session", "error", err)
		}
		return
	}
	m.current = &snap
}

// SignIn establishes a session for the given user.
func (m *Manager) SignIn(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = &snapshot{User: u, ExpiresAt: m.now().Add(m.ttl)}
	m.persistLocked()
}

// Extend pushes the expiry of the current session forward by the TTL.
// It is a no-op without a valid session.
func (m *Manager) Extend() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.validLocked() {
		return
	}
	m.current.ExpiresAt = m.now().Add(m.ttl)
	m.persistLocked()
}

// SignOut drops the session in memory and in the cache. Idempotent.
func (m *Manager) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	if err := m.cache.Delete(cache.KeySession); err != nil {
		m.logger.Warn("failed to delete session snapshot", "error", err)
	}
}

// User returns the signed-in user while the session is valid.
func (m *Manager) User() (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.validLocked() {
		return User{}, false
	}
	return m.current.User, true
}

// UserID returns the id of the signed-in user while the session is
// valid. It satisfies the history store's UserSource.
func (m *Manager) UserID() (string, bool) {
	u, ok := m.User()
	return u.ID, ok
}

// Authenticated reports whether a valid session exists.
func (m *Manager) Authenticated() bool {
	_, ok := m.User()
	return ok
}

// validLocked checks presence and expiry. Expiry is lazy: the snapshot
// stays in memory past its deadline but is never reported as valid.
func (m *Manager) validLocked() bool {
	return m.current != nil && m.now().Before(m.current.ExpiresAt)
}

func (m *Manager) persistLocked() {
	data, err := json.Marshal(m.current)
	if err != nil {
		m.logger.Warn("failed to marshal session snapshot", "error", err)
		return
	}
	if err := m.cache.Set(cache.KeySession, data); err != nil {
		m.logger.Warn("failed to persist session snapshot", "error", err)
	}
}

// Purger clears all tracker state when the session is gone.
type Purger interface {
	HasJobState() bool
	Purge()
}

// Guard periodically checks the session and purges tracker state that
// outlived it. It catches expiry as well as state restored from the
// cache after the session ended.
type Guard struct {
	manager  *Manager
	purger   Purger
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardInterval overrides the check interval.
func WithGuardInterval(d time.Duration) GuardOption {
	return func(g *Guard) { g.interval = d }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard creates a guard over the given manager and purger.
func NewGuard(m *Manager, p Purger, opts ...GuardOption) *Guard {
	g := &Guard{
		manager:  m,
		purger:   p,
		interval: DefaultGuardInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the guard loop. A second Start while running is a
// no-op.
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	go g.loop(loopCtx, done)
}

// Stop tears down the guard loop and waits for it to exit. Idempotent.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Guard) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check()
		}
	}
}

// check purges tracker state whenever it exists without a valid
// session.
func (g *Guard) check() {
	if g.manager.Authenticated() {
		return
	}
	if !g.purger.HasJobState() {
		return
	}
	g.logger.Info("session ended with tracker state present, purging")
	g.purger.Purge()
}
