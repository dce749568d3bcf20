// Package schemacache implements the Schema Cache (component C): a
// two-tier memory+disk cache of per-server tool schemas, keyed by launch-
// spec fingerprint. Concurrent misses for the same server collapse into a
// single upstream fetch via singleflight.
package schemacache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mcpu/internal/model"
)

// Fetcher retrieves a fresh tool list for a server, e.g. by asking the
// Connection Pool for a handle and calling ListTools on it.
type Fetcher func(ctx context.Context, name model.ServerName) ([]model.ToolSchema, error)

// Cache is the two-tier schema cache. The zero value is not usable; use New.
type Cache struct {
	root    string
	fetch   Fetcher
	group   singleflight.Group
	mu      sync.Mutex
	entries map[model.ServerName]model.CachedEntry
}

// Root resolves the schema cache directory:
// $XDG_CACHE_HOME/mcpu/schemas, falling back to ~/.cache/mcpu/schemas.
func Root() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "mcpu", "schemas")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cache", "mcpu", "schemas")
}

// New constructs a Cache rooted at root (Root() if empty) that calls fetch
// on a memory+disk miss.
func New(root string, fetch Fetcher) *Cache {
	if root == "" {
		root = Root()
	}
	return &Cache{root: root, fetch: fetch, entries: make(map[model.ServerName]model.CachedEntry)}
}

func (c *Cache) diskPath(name model.ServerName) string {
	return filepath.Join(c.root, name+".json")
}

// Get returns the tool schemas for name, valid against fingerprint. It
// checks memory, then disk, then falls back to Fetcher, writing both
// tiers on a successful fetch. Concurrent Gets for the same (name,
// fingerprint) miss share one Fetcher call.
func (c *Cache) Get(ctx context.Context, name model.ServerName, fingerprint string) ([]model.ToolSchema, error) {
	if tools, ok := c.memoryHit(name, fingerprint); ok {
		return tools, nil
	}

	if entry, ok := c.diskHit(name, fingerprint); ok {
		c.mu.Lock()
		c.entries[name] = entry
		c.mu.Unlock()
		return entry.Tools, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		tools, err := c.fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		entry := model.CachedEntry{
			Fingerprint: fingerprint,
			ServerName:  name,
			FetchedAt:   time.Now(),
			Tools:       tools,
		}
		c.set(name, entry)
		return entry.Tools, nil
	})
	if err != nil {
		return nil, fmt.Errorf("schemacache: fetch %s: %w", name, err)
	}
	return v.([]model.ToolSchema), nil
}

func (c *Cache) memoryHit(name model.ServerName, fingerprint string) ([]model.ToolSchema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[name]
	if !ok || entry.Fingerprint != fingerprint {
		return nil, false
	}
	return entry.Tools, true
}

// diskHit reads and validates the on-disk entry. A missing, unreadable,
// corrupt, or stale-fingerprint file is treated as absent, never an error.
func (c *Cache) diskHit(name model.ServerName, fingerprint string) (model.CachedEntry, bool) {
	data, err := os.ReadFile(c.diskPath(name))
	if err != nil {
		return model.CachedEntry{}, false
	}
	var entry model.CachedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return model.CachedEntry{}, false
	}
	if entry.Fingerprint != fingerprint {
		return model.CachedEntry{}, false
	}
	return entry, true
}

// Set atomically replaces both tiers for name with tools at fingerprint.
func (c *Cache) Set(name model.ServerName, fingerprint string, tools []model.ToolSchema) error {
	entry := model.CachedEntry{
		Fingerprint: fingerprint,
		ServerName:  name,
		FetchedAt:   time.Now(),
		Tools:       tools,
	}
	return c.set(name, entry)
}

func (c *Cache) set(name model.ServerName, entry model.CachedEntry) error {
	c.mu.Lock()
	c.entries[name] = entry
	c.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("schemacache: marshal %s: %w", name, err)
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("schemacache: mkdir %s: %w", c.root, err)
	}
	tmp := c.diskPath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("schemacache: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, c.diskPath(name)); err != nil {
		return fmt.Errorf("schemacache: rename %s: %w", name, err)
	}
	return nil
}

// Reload invalidates both tiers for name; the next Get refetches.
func (c *Cache) Reload(name model.ServerName) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
	_ = os.Remove(c.diskPath(name))
}
