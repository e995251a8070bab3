// Package registry holds the in-memory, cache-backed collection of
// tracked uploads.
//
// The registry is exclusively owned by the tracker; consumers receive
// copies and issue commands, never mutating upload fields directly.
// Every mutation that must survive a restart is written through to the
// durable local cache in the same call.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
)

// Registry is an ordered, id-keyed collection of uploads plus the
// single-slot last-completed snapshot.
type Registry struct {
	cache   cache.Cache
	logger  *slog.Logger
	onEvict func(id string)

	mu            sync.RWMutex
	uploads       []*core.Upload
	lastCompleted *core.Upload
	evictions     map[string]*time.Timer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithOnEvict sets a callback invoked after a scheduled eviction removes
// an upload.
func WithOnEvict(fn func(id string)) Option {
	return func(r *Registry) { r.onEvict = fn }
}

// New creates a registry restored from the durable cache.
func New(c cache.Cache, opts ...Option) *Registry {
	r := &Registry{
		cache:     c,
		logger:    slog.Default(),
		evictions: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.restore()
	return r
}

// restore loads the registry and last-completed snapshots from the cache.
// A corrupt snapshot is logged and discarded; the registry starts empty.
func (r *Registry) restore() {
	if data, ok, err := r.cache.Get(cache.KeyActiveUploads); err != nil {
		r.logger.Warn("failed to read uploads snapshot", "error", err)
	} else if ok {
		var uploads []*core.Upload
		if err := json.Unmarshal(data, &uploads); err != nil {
			r.logger.Warn("discarding corrupt uploads snapshot", "error", err)
		} else {
			r.uploads = uploads
		}
	}

	if data, ok, err := r.cache.Get(cache.KeyLastCompleted); err != nil {
		r.logger.Warn("failed to read last-completed snapshot", "error", err)
	} else if ok {
		var last core.Upload
		if err := json.Unmarshal(data, &last); err != nil {
			r.logger.Warn("discarding corrupt last-completed snapshot", "error", err)
		} else {
			r.lastCompleted = &last
		}
	}
}

// Create appends a new upload with status processing and returns a copy.
func (r *Registry) Create(fileName string, fileSize int64) core.Upload {
	up := &core.Upload{
		ID:         uuid.New().String(),
		FileName:   fileName,
		FileSize:   fileSize,
		UploadedAt: time.Now().UTC(),
		Status:     core.StatusProcessing,
	}

	r.mu.Lock()
	r.uploads = append(r.uploads, up)
	r.persistLocked()
	r.mu.Unlock()

	return copyUpload(up)
}

// Update refreshes the processing time of an upload still in the
// processing state. It is a no-op for absent or terminal uploads.
func (r *Registry) Update(id string, processingTime int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	up := r.findLocked(id)
	if up == nil || up.Status != core.StatusProcessing {
		return
	}
	up.ProcessingTime = processingTime
	r.persistLocked()
}

// ApplyOutcome transitions an upload from processing to a terminal state.
// It fails if the upload is absent or already terminal; the transition
// happens at most once per upload.
func (r *Registry) ApplyOutcome(id string, out core.Outcome, completedAt time.Time) (core.Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	up := r.findLocked(id)
	if up == nil {
		return core.Upload{}, core.ErrUploadNotFound
	}
	if up.Status != core.StatusProcessing {
		return core.Upload{}, core.ErrUploadNotFound
	}

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
	r.persistLocked()

	return copyUpload(up), nil
}

// Get returns a copy of the upload with the given id.
func (r *Registry) Get(id string) (core.Upload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	up := r.findLocked(id)
	if up == nil {
		return core.Upload{}, false
	}
	return copyUpload(up), true
}

// Remove deletes the upload and cancels any pending eviction for it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
	r.persistLocked()
}

// RemoveAfter schedules removal of the upload after the given delay.
// The eviction is purely registry cleanup; the upload's outcome has
// already been durably persisted by then.
func (r *Registry) RemoveAfter(id string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.evictions[id]; ok {
		t.Stop()
	}
	r.evictions[id] = time.AfterFunc(delay, func() {
		r.Remove(id)
		if r.onEvict != nil {
			r.onEvict(id)
		}
	})
}

// ClearCompleted removes every upload not in the processing state.
func (r *Registry) ClearCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.uploads[:0]
	for _, up := range r.uploads {
		if up.Status == core.StatusProcessing {
			kept = append(kept, up)
		} else {
			r.cancelEvictionLocked(up.ID)
		}
	}
	r.uploads = kept
	r.persistLocked()
}

// ClearAll empties the registry and the last-completed snapshot, cancels
// all pending evictions, and removes both cache keys. It is idempotent.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.evictions {
		t.Stop()
		delete(r.evictions, id)
	}
	r.uploads = nil
	r.lastCompleted = nil

	if err := r.cache.Delete(cache.KeyActiveUploads); err != nil {
		r.logger.Warn("failed to delete uploads snapshot", "error", err)
	}
	if err := r.cache.Delete(cache.KeyLastCompleted); err != nil {
		r.logger.Warn("failed to delete last-completed snapshot", "error", err)
	}
}

// Uploads returns copies of all uploads in insertion order.
func (r *Registry) Uploads() []core.Upload {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Upload, 0, len(r.uploads))
	for _, up := range r.uploads {
		out = append(out, copyUpload(up))
	}
	return out
}

// ProcessingIDs returns the ids of uploads still processing, in order.
func (r *Registry) ProcessingIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, up := range r.uploads {
		if up.Status == core.StatusProcessing {
			ids = append(ids, up.ID)
		}
	}
	return ids
}

// ProcessingCount returns the number of uploads still processing.
func (r *Registry) ProcessingCount() int {
	return len(r.ProcessingIDs())
}

// SetLastCompleted stores the most recently completed upload, persisted
// independently of the registry so a consumer can still display it after
// the upload has been evicted.
func (r *Registry) SetLastCompleted(up core.Upload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := copyUpload(&up)
	r.lastCompleted = &cp

	data, err := json.Marshal(r.lastCompleted)
	if err != nil {
		r.logger.Warn("failed to marshal last-completed snapshot", "error", err)
		return
	}
	if err := r.cache.Set(cache.KeyLastCompleted, data); err != nil {
		r.logger.Warn("failed to persist last-completed snapshot", "error", err)
	}
}

// LastCompleted returns the last-completed snapshot, if any.
func (r *Registry) LastCompleted() (core.Upload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.lastCompleted == nil {
		return core.Upload{}, false
	}
	return copyUpload(r.lastCompleted), true
}

// ClearLastCompleted clears the snapshot in memory and in the cache.
func (r *Registry) ClearLastCompleted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastCompleted = nil
	if err := r.cache.Delete(cache.KeyLastCompleted); err != nil {
		r.logger.Warn("failed to delete last-completed snapshot", "error", err)
	}
}

// PendingEvictions returns the number of scheduled, not yet fired
// eviction timers.
func (r *Registry) PendingEvictions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.evictions)
}

func (r *Registry) findLocked(id string) *core.Upload {
	for _, up := range r.uploads {
		if up.ID == id {
			return up
		}
	}
	return nil
}

func (r *Registry) removeLocked(id string) {
	r.cancelEvictionLocked(id)
	for i, up := range r.uploads {
		if up.ID == id {
			r.uploads = append(r.uploads[:i], r.uploads[i+1:]...)
			return
		}
	}
}

func (r *Registry) cancelEvictionLocked(id string) {
	if t, ok := r.evictions[id]; ok {
		t.Stop()
		delete(r.evictions, id)
	}
}

// persistLocked writes the registry snapshot through to the cache.
// Cache failures are logged and swallowed; in-memory state stays
// authoritative for the current process.
func (r *Registry) persistLocked() {
	data, err := json.Marshal(r.uploads)
	if err != nil {
		r.logger.Warn("failed to marshal uploads snapshot", "error", err)
		return
	}
	if err := r.cache.Set(cache.KeyActiveUploads, data); err != nil {
		r.logger.Warn("failed to persist uploads snapshot", "error", err)
	}
}

func copyUpload(up *core.Upload) core.Upload {
	cp := *up
	if up.CompletedAt != nil {
		t := *up.CompletedAt
		cp.CompletedAt = &t
	}
	cp.SheetsProcessed = append([]string(nil), up.SheetsProcessed...)
	return cp
}
