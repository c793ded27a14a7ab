package bulb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return NewCache(filepath.Join(t.TempDir(), "state", "last_bulb.json"))
}

func TestCache_SaveLoadInvalidate(t *testing.T) {
	c := newTestCache(t)

	if _, err := c.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected ErrNotExist for empty cache, got: %v", err)
	}
	if err := c.Save(CacheEntry{Address: "10.0.0.7:9999", Alias: "Recording Light"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	e, err := c.Load()
	if err != nil || e.Address != "10.0.0.7:9999" || e.Alias != "Recording Light" {
		t.Fatalf("Load = %+v, %v", e, err)
	}
	if err := c.Invalidate(); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := c.Invalidate(); err != nil {
		t.Errorf("Second invalidate should be a no-op, got: %v", err)
	}
}

func TestCache_LoadsLegacyFile(t *testing.T) {
	c := newTestCache(t)
	os.MkdirAll(filepath.Dir(c.path), 0o755)
	if err := os.WriteFile(c.path, []byte(`{"ip": "192.168.1.23"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := c.Load()
	if err != nil || e.Address != "192.168.1.23" {
		t.Errorf("Load = %+v, %v", e, err)
	}
}

func TestDirectory_CachedMatch(t *testing.T) {
	fake := startFakeBulb(t, "recording light", false)
	cache := newTestCache(t)
	cache.Save(CacheEntry{Address: fake.Addr()})
	disc := &fakeDiscoverer{}

	b, err := NewDirectory(cache, disc, time.Second).Resolve(context.Background(), "Recording Light")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Addr() != fake.Addr() {
		t.Errorf("Resolved %s, want %s", b.Addr(), fake.Addr())
	}
	if disc.calls != 0 {
		t.Errorf("Discovery should not run on cache hit, ran %d times", disc.calls)
	}
}

func TestDirectory_CacheMismatchFallsThroughToDiscovery(t *testing.T) {
	kitchen := startFakeBulb(t, "Kitchen", true)
	recording := startFakeBulb(t, "Recording Light", false)
	cache := newTestCache(t)
	cache.Save(CacheEntry{Address: kitchen.Addr(), Alias: "Recording Light"})

	disc := &fakeDiscoverer{found: []Found{
		{Addr: kitchen.Addr()},
		{Addr: recording.Addr()},
	}}

	b, err := NewDirectory(cache, disc, time.Second).Resolve(context.Background(), "Recording Light")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Addr() != recording.Addr() {
		t.Errorf("Resolved %s, want %s", b.Addr(), recording.Addr())
	}
	if disc.calls != 1 {
		t.Errorf("Expected one discovery, got %d", disc.calls)
	}

	e, err := cache.Load()
	if err != nil || e.Address != recording.Addr() {
		t.Errorf("Cache should hold the rediscovered bulb, got %+v, %v", e, err)
	}
}

func TestDirectory_UnreachableCacheInvalidated(t *testing.T) {
	cache := newTestCache(t)
	cache.Save(CacheEntry{Address: closedAddr(t)})
	disc := &fakeDiscoverer{}

	_, err := NewDirectory(cache, disc, time.Second, WithTimeout(500*time.Millisecond)).
		Resolve(context.Background(), "Recording Light")
	if !errors.Is(err, ErrBulbNotFound) {
		t.Fatalf("Expected ErrBulbNotFound, got: %v", err)
	}
	if disc.calls != 1 {
		t.Errorf("Expected discovery after cache failure, got %d calls", disc.calls)
	}
	if _, err := cache.Load(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stale cache should be deleted, Load returned: %v", err)
	}
}

func TestDirectory_SkipsUnresponsiveDevices(t *testing.T) {
	recording := startFakeBulb(t, "RECORDING LIGHT", true)
	disc := &fakeDiscoverer{
		found: []Found{{Addr: closedAddr(t)}, {Addr: recording.Addr()}},
		err:   errors.New("partial discovery"),
	}

	b, err := NewDirectory(nil, disc, time.Second, WithTimeout(500*time.Millisecond)).
		Resolve(context.Background(), "Recording Light")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Info().Alias != "RECORDING LIGHT" {
		t.Errorf("Unexpected alias %q", b.Info().Alias)
	}
}

func TestDirectory_CorruptCacheInvalidated(t *testing.T) {
	cache := newTestCache(t)
	os.MkdirAll(filepath.Dir(cache.path), 0o755)
	os.WriteFile(cache.path, []byte("{not json"), 0o644)

	_, err := NewDirectory(cache, &fakeDiscoverer{}, time.Second).Resolve(context.Background(), "Recording Light")
	if !errors.Is(err, ErrBulbNotFound) {
		t.Fatalf("Expected ErrBulbNotFound, got: %v", err)
	}
	if _, err := os.Stat(cache.path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Corrupt cache should be removed, stat: %v", err)
	}
}
