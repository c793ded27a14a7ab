package bulb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CacheEntry is the persisted last-known bulb. The JSON key "ip" is kept so
// files written by earlier recorder versions still load.
type CacheEntry struct {
	Address string `json:"ip"`
	Alias   string `json:"alias,omitempty"`
}

// Cache stores the last resolved bulb address in a small JSON file.
type Cache struct {
	path string
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Load returns the cached entry. A missing file yields an error wrapping
// os.ErrNotExist.
func (c *Cache) Load() (CacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return CacheEntry{}, err
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return CacheEntry{}, fmt.Errorf("corrupt bulb cache %s: %w", c.path, err)
	}
	if e.Address == "" {
		return CacheEntry{}, fmt.Errorf("bulb cache %s has no address", c.path)
	}
	return e, nil
}

// Save writes the entry atomically.
func (c *Cache) Save(e CacheEntry) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bulb cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write bulb cache: %w", err)
	}
	return nil
}

// Invalidate deletes the cache file. A missing file is not an error.
func (c *Cache) Invalidate() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear bulb cache: %w", err)
	}
	return nil
}
