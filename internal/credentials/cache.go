// Package credentials caches the expensive per-application provider
// clients built from stored credentials.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// AdapterSet holds the constructed provider adapters of one app.
type AdapterSet struct {
	adapters map[push.Platform]push.ProviderAdapter
}

// NewAdapterSet builds a set from the given adapters. Nil entries are
// skipped, so apps configured for a subset of providers get a partial
// set.
func NewAdapterSet(adapters map[push.Platform]push.ProviderAdapter) *AdapterSet {
	set := &AdapterSet{adapters: make(map[push.Platform]push.ProviderAdapter, len(adapters))}
	for platform, adapter := range adapters {
		if adapter != nil {
			set.adapters[platform] = adapter
		}
	}
	return set
}

// Adapter returns the adapter for a platform, or an error when the app
// carries no credentials for it.
func (s *AdapterSet) Adapter(platform push.Platform) (push.ProviderAdapter, error) {
	adapter, ok := s.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no %s credentials configured", platform)
	}
	return adapter, nil
}

// Factory constructs the provider adapters for one app's credentials.
type Factory interface {
	Build(ctx context.Context, creds *push.AppCredentials) (*AdapterSet, error)
}

type cacheEntry struct {
	set     *AdapterSet
	expires time.Time
}

// Cache lazily constructs provider adapters per app and serves them
// until the entry expires or the app's credentials change.
//
// Concurrent first-time lookups for the same app trigger exactly one
// construction; all callers receive the same value. Construction
// failures are not cached, so a later lookup retries.
type Cache struct {
	repo    storage.CredentialRepository
	factory Factory
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
	now     func() time.Time
}

// NewCache creates the cache. A non-positive ttl falls back to one hour.
func NewCache(repo storage.CredentialRepository, factory Factory, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		repo:    repo,
		factory: factory,
		ttl:     ttl,
		logger:  logger.With("component", "CredentialCache"),
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the adapter set for an app, constructing it on first
// access or after expiry.
func (c *Cache) Get(ctx context.Context, appID string) (*AdapterSet, error) {
	if set, ok := c.lookup(appID); ok {
		return set, nil
	}

	v, err, _ := c.group.Do(appID, func() (any, error) {
		// A concurrent flight may have populated the entry while this
		// caller waited on the flight lock.
		if set, ok := c.lookup(appID); ok {
			return set, nil
		}
		return c.load(ctx, appID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AdapterSet), nil
}

func (c *Cache) lookup(appID string) (*AdapterSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[appID]
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	return entry.set, true
}

func (c *Cache) load(ctx context.Context, appID string) (*AdapterSet, error) {
	creds, err := c.repo.FindByAppID(ctx, appID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("credentials for app %s: %w", appID, err)
		}
		return nil, err
	}

	set, err := c.factory.Build(ctx, creds)
	if err != nil {
		// Not cached: the next Get retries construction.
		return nil, &push.CacheInitError{AppID: appID, Err: err}
	}

	c.mu.Lock()
	c.entries[appID] = cacheEntry{set: set, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	c.logger.Debug("Provider clients constructed", "app_id", appID)
	return set, nil
}

// Invalidate drops the cached clients of an app. The credential admin
// component calls this whenever credentials change or are removed.
func (c *Cache) Invalidate(appID string) {
	c.mu.Lock()
	delete(c.entries, appID)
	c.mu.Unlock()
	c.group.Forget(appID)
	c.logger.Debug("Provider clients invalidated", "app_id", appID)
}
