package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/history"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/registry"
)

// fakeRecorder counts durable writes and can fail the first N attempts.
type fakeRecorder struct {
	mu       sync.Mutex
	failures int
	calls    int
	records  []core.Upload
}

func (f *fakeRecorder) RecordCompletion(_ context.Context, up core.Upload) (*history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	f.records = append(f.records, up)
	return &history.Record{ID: "rec-1"}, nil
}

func (f *fakeRecorder) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func successOutcome() core.Outcome {
	return core.Outcome{
		Status:           core.StatusSuccess,
		ProcessingTime:   12,
		RecordsProcessed: 340,
		SheetsProcessed:  []string{"2024"},
	}
}

func newTestReconciler(t *testing.T, opts ...Option) (*Reconciler, *registry.Registry, *fakeRecorder) {
	t.Helper()
	reg := registry.New(cache.NewMemoryCache())
	rec := &fakeRecorder{}
	opts = append([]Option{WithEvictionDelay(30 * time.Millisecond)}, opts...)
	return New(reg, rec, opts...), reg, rec
}

func TestComplete_Success(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	up := reg.Create("jan2024.xlsx", 204800)

	r.Complete(context.Background(), up.ID, successOutcome())

	require.Equal(t, 1, rec.writeCount())
	written := rec.records[0]
	assert.Equal(t, core.StatusSuccess, written.Status)
	assert.Equal(t, 12, written.ProcessingTime)
	assert.Equal(t, 340, written.RecordsProcessed)
	require.NotNil(t, written.CompletedAt)

	got, ok := reg.Get(up.ID)
	require.True(t, ok)
	assert.Equal(t, core.StatusSuccess, got.Status)

	last, ok := reg.LastCompleted()
	require.True(t, ok)
	assert.Equal(t, up.ID, last.ID)
}

func TestComplete_Failed(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	up := reg.Create("bad.xlsx", 1)

	r.Complete(context.Background(), up.ID, core.Outcome{
		Status:       core.StatusFailed,
		ErrorMessage: "cleaning step exited with code 1\x00",
	})

	require.Equal(t, 1, rec.writeCount())
	assert.Equal(t, core.StatusFailed, rec.records[0].Status)
	assert.Equal(t, "cleaning step exited with code 1", rec.records[0].ErrorMessage,
		"error messages are sanitized before storage")

	got, _ := reg.Get(up.ID)
	assert.Equal(t, core.StatusFailed, got.Status)
}

func TestComplete_IdempotentReEntrancy(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	up := reg.Create("a.xlsx", 1)

	// Two immediate calls with the same id and payload must end in the
	// same state as one call.
	r.Complete(context.Background(), up.ID, successOutcome())
	r.Complete(context.Background(), up.ID, successOutcome())

	assert.Equal(t, 1, rec.writeCount())
	got, _ := reg.Get(up.ID)
	assert.Equal(t, core.StatusSuccess, got.Status)
}

func TestComplete_AtMostOnceUnderConcurrency(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	up := reg.Create("a.xlsx", 1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Complete(context.Background(), up.ID, successOutcome())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rec.writeCount(),
		"exactly one history record per upload id regardless of overlapping calls")
}

func TestComplete_RetryAfterFailedWrite(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	rec.failures = 1
	up := reg.Create("a.xlsx", 1)

	r.Complete(context.Background(), up.ID, successOutcome())

	// First write failed: no record, upload still processing.
	assert.Equal(t, 0, rec.writeCount())
	got, _ := reg.Get(up.ID)
	assert.Equal(t, core.StatusProcessing, got.Status,
		"upload is not marked terminal until a write succeeds")

	// The claim was released, so a later tick succeeds.
	r.Complete(context.Background(), up.ID, successOutcome())
	assert.Equal(t, 1, rec.writeCount())
	got, _ = reg.Get(up.ID)
	assert.Equal(t, core.StatusSuccess, got.Status)
}

func TestComplete_RemovedUpload(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	up := reg.Create("a.xlsx", 1)
	reg.Remove(up.ID)

	r.Complete(context.Background(), up.ID, successOutcome())
	assert.Equal(t, 0, rec.writeCount())

	// The claim must have been rolled back, not leaked.
	r.mu.Lock()
	assert.Empty(t, r.completed)
	assert.Empty(t, r.locks)
	r.mu.Unlock()
}

func TestComplete_AlreadyTerminalFromSnapshot(t *testing.T) {
	// Simulates a reload: the restored registry holds a terminal upload
	// while the completed-set starts empty.
	c := cache.NewMemoryCache()
	reg := registry.New(c)
	up := reg.Create("a.xlsx", 1)
	_, err := reg.ApplyOutcome(up.ID, core.Outcome{Status: core.StatusSuccess}, time.Now())
	require.NoError(t, err)

	rec := &fakeRecorder{}
	r := New(reg, rec)

	r.Complete(context.Background(), up.ID, successOutcome())
	assert.Equal(t, 0, rec.writeCount(), "terminal uploads are treated as already reconciled")

	// And the id stays in the completed set afterwards.
	r.Complete(context.Background(), up.ID, successOutcome())
	assert.Equal(t, 0, rec.writeCount())
}

func TestComplete_SchedulesEviction(t *testing.T) {
	r, reg, _ := newTestReconciler(t)
	up := reg.Create("a.xlsx", 1)

	r.Complete(context.Background(), up.ID, successOutcome())

	// Present right after completion, gone after the eviction delay.
	_, ok := reg.Get(up.ID)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get(up.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	// The last-completed snapshot survives eviction.
	last, ok := reg.LastCompleted()
	require.True(t, ok)
	assert.Equal(t, up.ID, last.ID)
}

func TestReset_ClearsSets(t *testing.T) {
	r, reg, rec := newTestReconciler(t)
	up := reg.Create("a.xlsx", 1)
	r.Complete(context.Background(), up.ID, successOutcome())

	r.Reset()

	r.mu.Lock()
	assert.Empty(t, r.completed)
	assert.Empty(t, r.locks)
	r.mu.Unlock()

	// A duplicate call after reset is still harmless: the registry entry
	// is already terminal.
	r.Complete(context.Background(), up.ID, successOutcome())
	assert.Equal(t, 1, rec.writeCount())
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []core.Event
}

func (e *recordingEmitter) Emit(ev core.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func TestComplete_EmitsEvents(t *testing.T) {
	em := &recordingEmitter{}
	r, reg, _ := newTestReconciler(t, WithEmitter(em))

	okUp := reg.Create("ok.xlsx", 1)
	badUp := reg.Create("bad.xlsx", 1)

	r.Complete(context.Background(), okUp.ID, successOutcome())
	r.Complete(context.Background(), badUp.ID, core.Outcome{Status: core.StatusFailed, ErrorMessage: "boom"})

	em.mu.Lock()
	defer em.mu.Unlock()
	require.Len(t, em.events, 2)
	completed, ok := em.events[0].(*core.UploadCompleted)
	require.True(t, ok)
	assert.Equal(t, okUp.ID, completed.Upload.ID)
	failed, ok := em.events[1].(*core.UploadFailed)
	require.True(t, ok)
	assert.Equal(t, badUp.ID, failed.Upload.ID)
}
