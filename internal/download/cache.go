package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Key identifies a cached artifact. Every field that selects a catalog
// entry is part of it, so images for different hardware or channels never
// share an entry.
type Key struct {
	Asset         string
	Hardware      string
	Channel       string
	Compatibility int
	Version       string
}

func (k Key) filename() string {
	return fmt.Sprintf("%s_%s_%s_c%d_%s.bin",
		sanitize(k.Asset), sanitize(k.Hardware), sanitize(k.Channel), k.Compatibility, sanitize(k.Version))
}

// sanitize keeps a key field inside a single path element.
func sanitize(s string) string {
	if s == "" {
		return "-"
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, s)
	return strings.ReplaceAll(s, "..", "__")
}

// Cache stores downloaded artifacts.
type Cache struct {
	baseDir string
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("download: create cache directory: %w", err)
	}
	return &Cache{baseDir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.baseDir }

// Path returns the file path for key.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.baseDir, key.filename())
}

// Get returns the cached bytes for key. ok is false when nothing is cached.
func (c *Cache) Get(key Key) (data []byte, ok bool, err error) {
	path := c.Path(key)
	data, err = os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("download: read cache: %w", err)
	}
	if len(data) == 0 {
		os.Remove(path)
		return nil, false, nil
	}
	return data, true, nil
}

// Put stores data under key. The file is written to a temp path and renamed
// so readers never observe a partial artifact.
func (c *Cache) Put(key Key, data []byte) error {
	dest := c.Path(key)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download: write cache: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download: finalize cache entry: %w", err)
	}
	return nil
}

// Remove deletes a cached entry.
func (c *Cache) Remove(key Key) error {
	if err := os.Remove(c.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("download: remove cache entry: %w", err)
	}
	return nil
}
