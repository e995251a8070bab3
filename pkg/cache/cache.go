// Package cache provides the durable local cache used to persist tracker
// state across restarts.
//
// The cache is a small key/value store with write-through semantics: every
// in-memory mutation that must survive a reload is mirrored to it in the
// same call. Keys hold JSON-serialized snapshots.
package cache

// Well-known cache keys.
const (
	KeyActiveUploads = "active_uploads"
	KeyLastCompleted = "last_completed"
	KeySession       = "session"
)

// Cache is a durable local key/value store.
type Cache interface {
	// Get returns the value for key, or ok=false if the key is absent.
	Get(key string) (value []byte, ok bool, err error)

	// Set stores the value for key, overwriting any previous value.
	Set(key string, value []byte) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(key string) error
}
