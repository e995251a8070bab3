package tracker_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	tracker "github.com/ChicckenNoodleSoup/osimap-upload-tracker"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/relay"
)

// newRelay spins up a real relay server whose pipeline is a shell echo
// printing the given run summary.
func newRelay(t *testing.T, summary string) *httptest.Server {
	t.Helper()
	cfg := &relay.Config{
		Port:      3001,
		UploadDir: t.TempDir(),
		DataDir:   t.TempDir(),
		Pipeline: []relay.Step{
			{Name: "summarize", Command: "sh", Args: []string{"-c", "echo '" + summary + "'"}},
		},
	}
	srv, err := relay.NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newTracker(t *testing.T, c cache.Cache, backendURL string) *tracker.Tracker {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	tr := tracker.New(c, tracker.NewClient(backendURL), db,
		tracker.WithPollInterval(10*time.Millisecond),
		tracker.WithEvictionDelay(50*time.Millisecond),
		tracker.WithGuardInterval(10*time.Millisecond),
	)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Close)
	return tr
}

func TestEndToEnd_UploadThroughRelay(t *testing.T) {
	ts := newRelay(t,
		`{"recordsProcessed":128,"sheetsProcessed":["2023","2024"],"newRecords":120,"duplicateRecords":8}`)
	tr := newTracker(t, tracker.NewMemoryCache(), ts.URL)
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	up, err := tr.Upload(context.Background(), strings.NewReader("spreadsheet bytes"), tracker.Metadata{
		OriginalName:  "incidents-2024.xlsx",
		SanitizedName: "incidents-2024.xlsx",
		Size:          17,
		Type:          "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	})
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusProcessing, up.Status)

	// The relay's pipeline finishes and the poll loop picks it up.
	assert.Eventually(t, func() bool {
		last, ok := tr.LastCompleted()
		return ok && last.ID == up.ID && last.Status == tracker.StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)

	last, _ := tr.LastCompleted()
	assert.Equal(t, 128, last.RecordsProcessed)
	assert.Equal(t, []string{"2023", "2024"}, last.SheetsProcessed)
	assert.Equal(t, 120, last.NewRecords)
	assert.Equal(t, 8, last.DuplicateRecords)

	// Exactly one durable history row.
	rows, err := tr.History().Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "incidents-2024.xlsx", rows[0].FileName)
	assert.Equal(t, 128, rows[0].RecordsProcessed)
	require.NotNil(t, rows[0].LogID, "history row references its activity log entry")

	// The terminal upload is evicted; last-completed survives.
	assert.Eventually(t, func() bool {
		return len(tr.ActiveUploads()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := tr.LastCompleted()
	assert.True(t, ok)

	// Dismissing the snapshot leaves no tracked state at all.
	tr.ClearLastCompleted()
	assert.False(t, tr.HasJobState())
}

func TestEndToEnd_RelayBusySurfacesToSecondUpload(t *testing.T) {
	cfg := &relay.Config{
		Port:      3001,
		UploadDir: t.TempDir(),
		DataDir:   t.TempDir(),
		Pipeline: []relay.Step{
			{Name: "slow", Command: "sh", Args: []string{"-c", "sleep 5"}},
		},
	}
	srv, err := relay.NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tr := newTracker(t, tracker.NewMemoryCache(), ts.URL)
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	meta := tracker.Metadata{
		OriginalName:  "a.xlsx",
		SanitizedName: "a.xlsx",
		Size:          4,
		Type:          "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}

	_, err = tr.Upload(context.Background(), strings.NewReader("data"), meta)
	require.NoError(t, err)

	_, err = tr.Upload(context.Background(), strings.NewReader("data"), meta)
	assert.ErrorIs(t, err, tracker.ErrAlreadyProcessing)
	assert.Equal(t, 1, tr.ProcessingCount(), "rejected upload is never tracked")
}

func TestEndToEnd_PipelineFailureReachesHistory(t *testing.T) {
	cfg := &relay.Config{
		Port:      3001,
		UploadDir: t.TempDir(),
		DataDir:   t.TempDir(),
		Pipeline: []relay.Step{
			{Name: "broken", Command: "sh", Args: []string{"-c", "echo 'year missing from sheet name' >&2; exit 1"}},
		},
	}
	srv, err := relay.NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tr := newTracker(t, tracker.NewMemoryCache(), ts.URL)
	tr.Sessions().SignIn(tracker.User{ID: "user-1"})

	up, err := tr.Upload(context.Background(), strings.NewReader("data"), tracker.Metadata{
		OriginalName:  "bad.xlsx",
		SanitizedName: "bad.xlsx",
		Size:          4,
		Type:          "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		last, ok := tr.LastCompleted()
		return ok && last.ID == up.ID && last.Status == tracker.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	rows, err := tr.History().Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].ErrorMessage, "year missing from sheet name")
}

func TestEndToEnd_StateSurvivesRestart(t *testing.T) {
	ts := newRelay(t, `{"recordsProcessed":9}`)
	dir := t.TempDir()

	c1, err := tracker.NewFileCache(dir)
	require.NoError(t, err)
	tr1 := newTracker(t, c1, ts.URL)
	tr1.Sessions().SignIn(tracker.User{ID: "user-1"})

	up, err := tr1.Upload(context.Background(), strings.NewReader("data"), tracker.Metadata{
		OriginalName:  "a.xlsx",
		SanitizedName: "a.xlsx",
		Size:          4,
		Type:          "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	})
	require.NoError(t, err)
	tr1.Close()

	// A new process over the same cache directory resumes the upload and
	// completes it.
	c2, err := tracker.NewFileCache(dir)
	require.NoError(t, err)
	tr2 := newTracker(t, c2, ts.URL)
	require.True(t, tr2.Sessions().Authenticated(), "session survives restart within its TTL")

	assert.Eventually(t, func() bool {
		last, ok := tr2.LastCompleted()
		return ok && last.ID == up.ID
	}, 5*time.Second, 10*time.Millisecond)
}
