package bulb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// DefaultDiscoveryTimeout bounds network discovery.
const DefaultDiscoveryTimeout = 8 * time.Second

var (
	// ErrBulbNotFound means no reachable device carries the requested alias.
	// Callers continue without a light.
	ErrBulbNotFound = errors.New("bulb not found")
	// ErrAliasMismatch means the cached address answered with another alias.
	ErrAliasMismatch = errors.New("alias mismatch")
)

// Directory resolves a fixture alias to a reachable bulb, trying the
// persisted address before falling back to discovery.
type Directory struct {
	cache            *Cache
	discoverer       Discoverer
	discoveryTimeout time.Duration
	opts             []Option
}

// NewDirectory creates a directory. cache may be nil to disable caching.
func NewDirectory(cache *Cache, discoverer Discoverer, discoveryTimeout time.Duration, opts ...Option) *Directory {
	if discoveryTimeout <= 0 {
		discoveryTimeout = DefaultDiscoveryTimeout
	}
	return &Directory{
		cache:            cache,
		discoverer:       discoverer,
		discoveryTimeout: discoveryTimeout,
		opts:             opts,
	}
}

// Resolve returns the bulb whose alias matches (case-insensitively), or
// ErrBulbNotFound.
func (d *Directory) Resolve(ctx context.Context, alias string) (*Bulb, error) {
	b, err := d.fromCache(ctx, alias)
	switch {
	case err == nil:
		return b, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case !errors.Is(err, os.ErrNotExist):
		slog.Warn("Cached bulb unusable, will rediscover", "error", err)
		d.invalidate()
	}

	slog.Info("Starting bulb discovery", "timeout", d.discoveryTimeout)
	discoverCtx, cancel := context.WithTimeout(ctx, d.discoveryTimeout)
	found, err := d.discoverer.Discover(discoverCtx)
	cancel()
	if err != nil {
		slog.Warn("Error during bulb discovery", "error", err)
	}

	for _, f := range found {
		b := New(f.Addr, d.opts...)
		info, err := b.Update(ctx)
		if err != nil {
			slog.Info("Skipping device", "addr", f.Addr, "error", err)
			continue
		}
		slog.Info("Found device", "alias", info.Alias, "addr", f.Addr)
		if !aliasMatches(info.Alias, alias) {
			continue
		}
		if d.cache != nil {
			if err := d.cache.Save(CacheEntry{Address: f.Addr, Alias: info.Alias}); err != nil {
				slog.Warn("Error saving bulb cache", "error", err)
			} else {
				slog.Info("Saved bulb address", "addr", f.Addr)
			}
		}
		return b, nil
	}

	return nil, fmt.Errorf("%w: no device with alias %q", ErrBulbNotFound, alias)
}

// fromCache returns an error wrapping os.ErrNotExist when there is nothing
// cached; any other error means the cache is stale.
func (d *Directory) fromCache(ctx context.Context, alias string) (*Bulb, error) {
	if d.cache == nil {
		return nil, os.ErrNotExist
	}
	entry, err := d.cache.Load()
	if err != nil {
		return nil, err
	}

	slog.Info("Attempting to connect to cached bulb", "addr", entry.Address)
	b := New(entry.Address, d.opts...)
	info, err := b.Update(ctx)
	if err != nil {
		return nil, err
	}
	if !aliasMatches(info.Alias, alias) {
		return nil, fmt.Errorf("%w: %s answered as %q", ErrAliasMismatch, entry.Address, info.Alias)
	}
	slog.Info("Connected to cached bulb", "alias", info.Alias)
	return b, nil
}

func (d *Directory) invalidate() {
	if err := d.cache.Invalidate(); err != nil {
		slog.Warn("Error clearing bulb cache", "error", err)
		return
	}
	slog.Info("Cleared stale bulb cache")
}

func aliasMatches(got, want string) bool {
	return got != "" && strings.EqualFold(got, want)
}
