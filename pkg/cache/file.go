package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// validCacheKey matches alphanumeric, hyphens, and underscores.
var validCacheKey = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// FileCache is a Cache backed by one file per key inside a directory.
// Writes are atomic (temp file + rename) so a crash mid-write never
// leaves a corrupt snapshot behind.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

// NewFileCache creates a file-backed cache rooted at dir, creating the
// directory if needed.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// Get returns the stored value for key.
func (c *FileCache) Get(key string) ([]byte, bool, error) {
	path, err := c.path(key)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read %s: %w", key, err)
	}
	return data, true, nil
}

// Set atomically writes the value for key.
func (c *FileCache) Set(key string, value []byte) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tmp, err := os.CreateTemp(c.dir, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cache: write %s: %w", key, err)
	}
	return nil
}

// Delete removes the key's file if present.
func (c *FileCache) Delete(key string) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

func (c *FileCache) path(key string) (string, error) {
	if !validCacheKey.MatchString(key) {
		return "", fmt.Errorf("cache: invalid key %q", key)
	}
	return filepath.Join(c.dir, key+".json"), nil
}
