package tracker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	tracker "github.com/ChicckenNoodleSoup/osimap-upload-tracker"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
)

// fakeBackend is an httptest stand-in for the processing backend.
type fakeBackend struct {
	mu      sync.Mutex
	status  core.BackendStatus
	cancels int
}

func (b *fakeBackend) setStatus(st core.BackendStatus) {
	b.mu.Lock()
	b.status = st
	b.mu.Unlock()
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		st := b.status
		b.mu.Unlock()
		json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"filename": "stored.xlsx"})
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.cancels++
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestTracker(t *testing.T, c cache.Cache, extra ...tracker.Option) (*tracker.Tracker, *fakeBackend) {
	t.Helper()

	backend := &fakeBackend{}
	backend.setStatus(core.BackendStatus{IsProcessing: true, Status: core.StateProcessing})
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	opts := append([]tracker.Option{
		tracker.WithPollInterval(5 * time.Millisecond),
		tracker.WithEvictionDelay(30 * time.Millisecond),
		tracker.WithGuardInterval(5 * time.Millisecond),
	}, extra...)

	tr := tracker.New(c, tracker.NewClient(srv.URL), db, opts...)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Close)
	return tr, backend
}

func testMeta(name string) tracker.Metadata {
	return tracker.Metadata{
		OriginalName:  name,
		SanitizedName: name,
		Size:          2048,
		Type:          "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
}

func TestUpload_RequiresSession(t *testing.T) {
	tr, _ := newTestTracker(t, tracker.NewMemoryCache())

	_, err := tr.Upload(context.Background(), strings.NewReader("data"), testMeta("a.xlsx"))
	assert.ErrorIs(t, err, tracker.ErrNotAuthenticated)
}

func TestUpload_TracksAndCompletes(t *testing.T) {
	tr, backend := newTestTracker(t, tracker.NewMemoryCache())
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	up, err := tr.Upload(context.Background(), strings.NewReader("data"), testMeta("jan2024.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusProcessing, up.Status)
	assert.Equal(t, 1, tr.ProcessingCount())

	backend.setStatus(core.BackendStatus{
		IsProcessing:     false,
		Status:           core.StateIdle,
		ProcessingTime:   12,
		RecordsProcessed: 340,
		SheetsProcessed:  []string{"2024"},
	})

	assert.Eventually(t, func() bool {
		last, ok := tr.LastCompleted()
		return ok && last.ID == up.ID && last.Status == tracker.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	rows, err := tr.History().Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "jan2024.xlsx", rows[0].FileName)
	assert.Equal(t, 340, rows[0].RecordsProcessed)

	// The terminal upload is evicted shortly after; the last-completed
	// snapshot stays.
	assert.Eventually(t, func() bool {
		return len(tr.ActiveUploads()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := tr.LastCompleted()
	assert.True(t, ok)
}

func TestUpload_FailureRecordedInHistory(t *testing.T) {
	tr, backend := newTestTracker(t, tracker.NewMemoryCache())
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	_, err := tr.Upload(context.Background(), strings.NewReader("data"), testMeta("bad.xlsx"))
	require.NoError(t, err)

	backend.setStatus(core.BackendStatus{
		Status:          core.StateError,
		ProcessingError: "sheet name missing year",
	})

	assert.Eventually(t, func() bool {
		last, ok := tr.LastCompleted()
		return ok && last.Status == tracker.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	rows, err := tr.History().Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sheet name missing year", rows[0].ErrorMessage)
}

func TestLogout_RefusedWhileProcessing(t *testing.T) {
	tr, backend := newTestTracker(t, tracker.NewMemoryCache())
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	_, err := tr.Upload(context.Background(), strings.NewReader("data"), testMeta("a.xlsx"))
	require.NoError(t, err)

	err = tr.Logout(context.Background())
	assert.ErrorIs(t, err, tracker.ErrUploadsInProgress)
	assert.True(t, tr.Sessions().Authenticated(), "refused logout keeps the session")
	assert.Equal(t, 0, backend.cancelCount())
}

func TestLogout_ConfirmedCancelsAndPurges(t *testing.T) {
	var asked []tracker.Upload
	tr, backend := newTestTracker(t, tracker.NewMemoryCache(),
		tracker.WithConfirmLogout(func(processing []tracker.Upload) bool {
			asked = processing
			return true
		}),
	)
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	up, err := tr.Upload(context.Background(), strings.NewReader("data"), testMeta("a.xlsx"))
	require.NoError(t, err)

	require.NoError(t, tr.Logout(context.Background()))

	require.Len(t, asked, 1)
	assert.Equal(t, up.ID, asked[0].ID)
	assert.Equal(t, 1, backend.cancelCount())
	assert.False(t, tr.Sessions().Authenticated())
	assert.Empty(t, tr.ActiveUploads())
	_, ok := tr.LastCompleted()
	assert.False(t, ok)
}

func TestLogout_Idle(t *testing.T) {
	tr, backend := newTestTracker(t, tracker.NewMemoryCache())
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	require.NoError(t, tr.Logout(context.Background()))
	assert.Equal(t, 0, backend.cancelCount())
	assert.False(t, tr.Sessions().Authenticated())
}

func TestGuard_PurgesRestoredStateWithoutSession(t *testing.T) {
	c := cache.NewMemoryCache()

	// First run: authenticated upload left in the processing state.
	tr1, _ := newTestTracker(t, c)
	tr1.Sessions().SignIn(tracker.User{ID: "user-1"})
	_, err := tr1.Upload(context.Background(), strings.NewReader("data"), testMeta("a.xlsx"))
	require.NoError(t, err)
	tr1.Close()
	tr1.Sessions().SignOut()

	// Second run restores the upload but has no session; the guard
	// clears it.
	tr2, _ := newTestTracker(t, c)
	assert.Eventually(t, func() bool {
		return len(tr2.ActiveUploads()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventsAndHooks(t *testing.T) {
	tr, backend := newTestTracker(t, tracker.NewMemoryCache())
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	events := tr.Events()
	defer tr.Unsubscribe(events)

	var mu sync.Mutex
	var completed []tracker.Upload
	tr.OnUploadComplete(func(_ context.Context, up tracker.Upload) {
		mu.Lock()
		completed = append(completed, up)
		mu.Unlock()
	})

	up, err := tr.Upload(context.Background(), strings.NewReader("data"), testMeta("a.xlsx"))
	require.NoError(t, err)

	started, ok := (<-events).(*tracker.UploadStarted)
	require.True(t, ok)
	assert.Equal(t, up.ID, started.Upload.ID)

	backend.setStatus(core.BackendStatus{IsProcessing: false, Status: core.StateIdle})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, up.ID, completed[0].ID)
	mu.Unlock()
}

func TestRestart_ResumesPolling(t *testing.T) {
	c := cache.NewMemoryCache()

	tr1, _ := newTestTracker(t, c)
	tr1.Sessions().SignIn(tracker.User{ID: "user-1"})
	up, err := tr1.Upload(context.Background(), strings.NewReader("data"), testMeta("a.xlsx"))
	require.NoError(t, err)
	tr1.Close()

	// The restored tracker picks the upload back up and finishes it.
	tr2, backend2 := newTestTracker(t, c)
	require.Equal(t, 1, tr2.ProcessingCount())

	backend2.setStatus(core.BackendStatus{IsProcessing: false, Status: core.StateIdle, RecordsProcessed: 5})
	assert.Eventually(t, func() bool {
		last, ok := tr2.LastCompleted()
		return ok && last.ID == up.ID
	}, 2*time.Second, 5*time.Millisecond)
}
