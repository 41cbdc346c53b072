package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vodsum/internal/logging"
)

type failingStore struct {
	*MemoryStore
	failGet bool
	failSet bool
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failGet {
		return nil, false, errors.New("store down")
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.failSet {
		return errors.New("store down")
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func countingLoader(value string, calls *int) Loader {
	return func(context.Context) ([]byte, error) {
		*calls++
		return []byte(value), nil
	}
}

func TestGetOrLoadCachesLoaderResult(t *testing.T) {
	c := New(NewMemoryStore(), true, logging.NewNop())
	ctx := context.Background()

	calls := 0
	loader := countingLoader("payload", &calls)

	value, err := c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
	require.NoError(t, err)
	require.Equal(t, "payload", string(value))
	require.Equal(t, 1, calls)

	value, err = c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
	require.NoError(t, err)
	require.Equal(t, "payload", string(value))
	require.Equal(t, 1, calls, "second read should be served from cache")
}

func TestGetOrLoadExpiresEntries(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	c := New(store, true, logging.NewNop())
	ctx := context.Background()

	calls := 0
	loader := countingLoader("payload", &calls)

	_, err := c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "expired entry should reload")
}

func TestGetOrLoadDegradesWhenStoreFails(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), failGet: true, failSet: true}
	c := New(store, true, logging.NewNop())
	ctx := context.Background()

	calls := 0
	loader := countingLoader("payload", &calls)

	value, err := c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
	require.NoError(t, err)
	require.Equal(t, "payload", string(value))

	value, err = c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
	require.NoError(t, err)
	require.Equal(t, "payload", string(value))
	require.Equal(t, 2, calls, "every read should hit the loader while the store is down")
}

func TestGetOrLoadPropagatesLoaderError(t *testing.T) {
	c := New(NewMemoryStore(), true, logging.NewNop())

	wantErr := errors.New("upstream gone")
	_, err := c.GetOrLoad(context.Background(), "subs", "source-1", time.Minute, func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestInvalidateRemovesMatchingKeys(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, true, logging.NewNop())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, Key("subs", "source-1"), []byte("a"), 0))
	require.NoError(t, store.Set(ctx, Key("subs", "source-2"), []byte("b"), 0))
	require.NoError(t, store.Set(ctx, Key("recipients", "all"), []byte("c"), 0))

	removed, err := c.Invalidate(ctx, "subs:*")
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, 1, store.Len())

	_, hit, err := store.Get(ctx, Key("recipients", "all"))
	require.NoError(t, err)
	require.True(t, hit, "non-matching key must survive invalidation")
}

func TestInvalidateScansInBatches(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, true, logging.NewNop())
	ctx := context.Background()

	for i := 0; i < scanBatchSize*3+7; i++ {
		key := Key("subs", time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC).Format("150405"))
		require.NoError(t, store.Set(ctx, key, []byte("x"), 0))
	}
	total := store.Len()

	removed, err := c.Invalidate(ctx, "subs:*")
	require.NoError(t, err)
	require.Equal(t, total, removed)
	require.Equal(t, 0, store.Len())
}

func TestInvalidateSparesEntriesWrittenAfterScanStart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, Key("subs", "old"), []byte("a"), 0))
	gen, err := store.Generation(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, Key("subs", "fresh"), []byte("b"), 0))
	require.NoError(t, store.Delete(ctx, gen, Key("subs", "old"), Key("subs", "fresh")))

	_, hit, err := store.Get(ctx, Key("subs", "old"))
	require.NoError(t, err)
	require.False(t, hit)

	_, hit, err = store.Get(ctx, Key("subs", "fresh"))
	require.NoError(t, err)
	require.True(t, hit, "entry written after scan start must survive")
}

func TestDisabledCacheAlwaysLoads(t *testing.T) {
	c := New(NewMemoryStore(), false, logging.NewNop())
	ctx := context.Background()

	calls := 0
	loader := countingLoader("payload", &calls)

	for i := 0; i < 3; i++ {
		_, err := c.GetOrLoad(ctx, "subs", "source-1", time.Minute, loader)
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)

	removed, err := c.Invalidate(ctx, "subs:*")
	require.NoError(t, err)
	require.Zero(t, removed)
}
