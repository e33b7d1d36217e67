package credentials_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wultra/powerauth-push-server-sub001/internal/credentials"
	"github.com/wultra/powerauth-push-server-sub001/internal/storage"
	"github.com/wultra/powerauth-push-server-sub001/internal/storage/memory"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingFactory counts constructions and can be told to fail.
type countingFactory struct {
	builds atomic.Int64
	fail   atomic.Bool
	delay  time.Duration
}

func (f *countingFactory) Build(_ context.Context, creds *push.AppCredentials) (*credentials.AdapterSet, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.builds.Add(1)
	if f.fail.Load() {
		return nil, errors.New("malformed key material")
	}
	return credentials.NewAdapterSet(map[push.Platform]push.ProviderAdapter{
		push.PlatformFCM: stubAdapter{},
	}), nil
}

type stubAdapter struct{}

func (stubAdapter) Send(context.Context, *push.DeviceRegistration, push.MessageBody, push.Attributes) (push.Outcome, error) {
	return push.OutcomeOK, nil
}

func seededRepo(appID string) *memory.Store {
	store := memory.New()
	store.PutCredentials(push.AppCredentials{AppID: appID, FCM: &push.FCMCredentials{ProjectID: "p"}})
	return store
}

func TestCache_SingleFlight(t *testing.T) {
	ctx := context.Background()
	factory := &countingFactory{delay: 20 * time.Millisecond}
	cache := credentials.NewCache(seededRepo("app-1"), factory, time.Hour, newTestLogger())

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*credentials.AdapterSet, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			set, err := cache.Get(ctx, "app-1")
			require.NoError(t, err)
			results[i] = set
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), factory.builds.Load(), "concurrent cold lookups construct once")
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i], "all callers receive the same value")
	}
}

func TestCache_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Warm lookups skip the factory", func(t *testing.T) {
		factory := &countingFactory{}
		cache := credentials.NewCache(seededRepo("app-1"), factory, time.Hour, newTestLogger())

		for i := 0; i < 3; i++ {
			_, err := cache.Get(ctx, "app-1")
			require.NoError(t, err)
		}
		assert.Equal(t, int64(1), factory.builds.Load())
	})

	t.Run("Invalidate forces reconstruction", func(t *testing.T) {
		factory := &countingFactory{}
		cache := credentials.NewCache(seededRepo("app-1"), factory, time.Hour, newTestLogger())

		_, err := cache.Get(ctx, "app-1")
		require.NoError(t, err)
		cache.Invalidate("app-1")
		_, err = cache.Get(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), factory.builds.Load())
	})

	t.Run("Construction failure does not poison the cache", func(t *testing.T) {
		factory := &countingFactory{}
		factory.fail.Store(true)
		cache := credentials.NewCache(seededRepo("app-1"), factory, time.Hour, newTestLogger())

		_, err := cache.Get(ctx, "app-1")
		require.Error(t, err)
		var initErr *push.CacheInitError
		require.ErrorAs(t, err, &initErr)
		assert.Equal(t, "app-1", initErr.AppID)

		// The key material is fixed; the next lookup retries and
		// succeeds.
		factory.fail.Store(false)
		set, err := cache.Get(ctx, "app-1")
		require.NoError(t, err)
		assert.NotNil(t, set)
		assert.Equal(t, int64(2), factory.builds.Load())
	})

	t.Run("Unknown app surfaces not found", func(t *testing.T) {
		factory := &countingFactory{}
		cache := credentials.NewCache(memory.New(), factory, time.Hour, newTestLogger())

		_, err := cache.Get(ctx, "ghost")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, int64(0), factory.builds.Load())
	})

	t.Run("Expired entry is rebuilt on next access", func(t *testing.T) {
		factory := &countingFactory{}
		cache := credentials.NewCache(seededRepo("app-1"), factory, time.Millisecond, newTestLogger())

		_, err := cache.Get(ctx, "app-1")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = cache.Get(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), factory.builds.Load())
	})
}

func TestAdapterSet_MissingPlatform(t *testing.T) {
	set := credentials.NewAdapterSet(map[push.Platform]push.ProviderAdapter{
		push.PlatformFCM: stubAdapter{},
	})

	_, err := set.Adapter(push.PlatformHMS)
	require.Error(t, err)

	adapter, err := set.Adapter(push.PlatformFCM)
	require.NoError(t, err)
	assert.NotNil(t, adapter)
}
