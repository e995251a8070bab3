package tracker

import (
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/backend"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/cache"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/history"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/notify"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/schedule"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/session"
)

// Type aliases re-exporting the pkg/ types.
type (
	// Upload represents one tracked upload/processing task.
	Upload = core.Upload

	// UploadStatus represents the current state of a tracked upload.
	UploadStatus = core.UploadStatus

	// Outcome is the terminal result applied to an upload.
	Outcome = core.Outcome

	// BackendStatus is the response shape of the backend status endpoint.
	BackendStatus = core.BackendStatus

	// Event is the interface for all tracker events.
	Event = core.Event

	// UploadStarted is emitted when an upload begins tracking.
	UploadStarted = core.UploadStarted

	// UploadCompleted is emitted when an upload completes successfully.
	UploadCompleted = core.UploadCompleted

	// UploadFailed is emitted when an upload fails.
	UploadFailed = core.UploadFailed

	// UploadEvicted is emitted when a terminal upload leaves the registry.
	UploadEvicted = core.UploadEvicted

	// TrackerPurged is emitted after all tracked state has been cleared.
	TrackerPurged = core.TrackerPurged

	// Metadata describes an uploaded spreadsheet.
	Metadata = backend.Metadata

	// Client talks to the processing backend.
	Client = backend.Client

	// Cache is the durable local key/value store.
	Cache = cache.Cache

	// Record is one row of per-user upload history.
	Record = history.Record

	// ActivityLog is one row of the per-user activity log.
	ActivityLog = history.ActivityLog

	// Pruner deletes history older than the retention window.
	Pruner = history.Pruner

	// Schedule defines when the pruner should run next.
	Schedule = schedule.Schedule

	// User identifies the signed-in user.
	User = session.User

	// Notifier delivers best-effort completion notifications.
	Notifier = notify.Notifier
)

// Upload status values.
const (
	StatusProcessing = core.StatusProcessing
	StatusSuccess    = core.StatusSuccess
	StatusFailed     = core.StatusFailed
)

// Sentinel errors.
var (
	ErrNotAuthenticated  = core.ErrNotAuthenticated
	ErrUploadNotFound    = core.ErrUploadNotFound
	ErrUploadsInProgress = core.ErrUploadsInProgress
	ErrInvalidFileName   = core.ErrInvalidFileName
	ErrFileTooLarge      = core.ErrFileTooLarge
	ErrAlreadyProcessing = core.ErrAlreadyProcessing
)

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...backend.ClientOption) *backend.Client {
	return backend.NewClient(baseURL, opts...)
}

// NewFileCache creates a durable cache storing one file per key in dir.
func NewFileCache(dir string) (*cache.FileCache, error) {
	return cache.NewFileCache(dir)
}

// NewMemoryCache creates a volatile in-memory cache. Useful in tests.
func NewMemoryCache() *cache.MemoryCache {
	return cache.NewMemoryCache()
}
