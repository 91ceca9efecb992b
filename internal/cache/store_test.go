package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optigate/internal/core"
	"optigate/internal/dedup"
	"optigate/internal/storage"
)

func newTestStore(t *testing.T) *KeyedStore {
	t.Helper()

	st, err := storage.NewSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend, err := NewSQLiteBackend(st.SQLiteDB())
	require.NoError(t, err)
	return NewKeyedStore(backend, nil, nil)
}

func TestWithCacheSecondCallIsCached(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := Options{
		ProviderType: core.ProviderSearch,
		Endpoint:     "web_search",
		Version:      1,
	}
	payload := map[string]any{"query": "baltic shipping rates"}

	calls := 0
	produce := func(ctx context.Context) (*Produced, error) {
		calls++
		return &Produced{Data: json.RawMessage(`{"results":["a","b"]}`)}, nil
	}

	first, err := store.WithCache(ctx, opts, payload, produce)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, calls)

	second, err := store.WithCache(ctx, opts, payload, produce)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, calls, "producer must not run on a hit")
	assert.JSONEq(t, string(first.Data), string(second.Data))
}

func TestWithCacheForceRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := Options{ProviderType: core.ProviderCompletion, Endpoint: "chat_completion", Version: 1}
	payload := map[string]any{"prompt": "summarize filing"}

	calls := 0
	produce := func(ctx context.Context) (*Produced, error) {
		calls++
		return &Produced{Data: json.RawMessage(`{"text":"ok"}`)}, nil
	}

	_, err := store.WithCache(ctx, opts, payload, produce)
	require.NoError(t, err)

	opts.ForceRefresh = true
	result, err := store.WithCache(ctx, opts, payload, produce)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 2, calls)
}

func TestWithCacheProducerErrorPropagates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := Options{ProviderType: core.ProviderScrape, Endpoint: "fetch_page", Version: 1}
	payload := map[string]any{"url": "https://example.test"}

	providerErr := assert.AnError
	_, err := store.WithCache(ctx, opts, payload, func(ctx context.Context) (*Produced, error) {
		return nil, providerErr
	})
	require.ErrorIs(t, err, providerErr)

	// Nothing was cached for the failed call.
	calls := 0
	result, err := store.WithCache(ctx, opts, payload, func(ctx context.Context) (*Produced, error) {
		calls++
		return &Produced{Data: json.RawMessage(`{"html":"<p>ok</p>"}`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 1, calls)
}

func TestWithCacheConcurrentMissesShareOneProducer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := Options{ProviderType: core.ProviderSearch, Endpoint: "web_search", Version: 1}
	payload := map[string]any{"query": "suez canal transit volumes"}

	var calls atomic.Int32
	produce := func(ctx context.Context) (*Produced, error) {
		calls.Add(1)
		// Long enough that every goroutine reaches the in-flight window.
		time.Sleep(100 * time.Millisecond)
		return &Produced{Data: json.RawMessage(`{"results":["x"]}`)}, nil
	}

	const callers = 8
	results := make([]*Result, callers)
	errs := make([]error, callers)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = store.WithCache(ctx, opts, payload, produce)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must collapse to one producer call")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.JSONEq(t, `{"results":["x"]}`, string(results[i].Data))
	}
}

func TestWithCacheNilProducerResultIsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opts := Options{ProviderType: core.ProviderCompletion, Endpoint: "chat_completion", Version: 1}
	payload := map[string]any{"prompt": "broken producer"}

	_, err := store.WithCache(ctx, opts, payload, func(ctx context.Context) (*Produced, error) {
		return nil, nil
	})
	require.Error(t, err)

	// Nothing was cached for the bad call.
	calls := 0
	result, err := store.WithCache(ctx, opts, payload, func(ctx context.Context) (*Produced, error) {
		calls++
		return &Produced{Data: json.RawMessage(`{"text":"ok"}`)}, nil
	})
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 1, calls)
}

func TestWithCacheServesPooledQueryResult(t *testing.T) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend, err := NewSQLiteBackend(st.SQLiteDB())
	require.NoError(t, err)
	store := NewKeyedStore(backend, nil, dedup.NewPool(0))
	ctx := context.Background()

	calls := 0
	produce := func(ctx context.Context) (*Produced, error) {
		calls++
		return &Produced{Data: json.RawMessage(`{"results":["r1"]}`)}, nil
	}

	opts := Options{
		ProviderType: core.ProviderSearch,
		Endpoint:     "web_search",
		Version:      1,
		Query:        "OPEC production cuts",
	}
	first, err := store.WithCache(ctx, opts, map[string]any{"q": "OPEC production cuts", "page": 1}, produce)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Equal(t, 1, calls)

	// A differently shaped payload misses the keyed cache, but the same
	// query text (up to normalization) is served from the dedup pool.
	opts.Query = "opec   production cuts"
	second, err := store.WithCache(ctx, opts, map[string]any{"q": "OPEC production cuts", "page": 2}, produce)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, calls, "pooled query must not reach the producer")
	assert.JSONEq(t, string(first.Data), string(second.Data))

	// The same query under another provider type is pooled separately.
	opts.ProviderType = core.ProviderScrape
	opts.Endpoint = "fetch_page"
	third, err := store.WithCache(ctx, opts, map[string]any{"url": "https://example.test"}, produce)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, calls)
}

func TestGetExpiredEntryIsAbsentAndPurged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := GenerateKey(core.ProviderSearch, "web_search", map[string]any{"q": "lng prices"})
	require.NoError(t, err)

	// Insert an already-expired entry directly through the backend.
	ttl := int64(60)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.backend.Upsert(ctx, &Entry{
		Key:          key,
		ProviderType: core.ProviderSearch,
		Endpoint:     "web_search",
		RequestHash:  "deadbeefdeadbeef",
		Payload:      json.RawMessage(`{}`),
		TTLSeconds:   &ttl,
		ExpiresAt:    &past,
		Version:      1,
	}))

	_, ok := store.Get(ctx, key, 1)
	assert.False(t, ok)

	// The lazy purge removed the row entirely.
	entry, err := store.backend.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestGetVersionMismatchIsAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := GenerateKey(core.ProviderCompletion, "chat_completion", map[string]any{"prompt": "x"})
	require.NoError(t, err)
	store.Set(ctx, key, json.RawMessage(`{"text":"v1"}`), nil, nil, 1)

	_, ok := store.Get(ctx, key, 2)
	assert.False(t, ok)
}

func TestGetIncrementsHitCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key, err := GenerateKey(core.ProviderScrape, "fetch_page", map[string]any{"url": "https://x.test"})
	require.NoError(t, err)
	store.Set(ctx, key, json.RawMessage(`{"html":""}`), nil, nil, 1)

	for i := 0; i < 3; i++ {
		_, ok := store.Get(ctx, key, 1)
		require.True(t, ok)
	}

	entry, err := store.backend.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.HitCount)
}

func TestInvalidateByProviderType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, pt := range []core.ProviderType{core.ProviderSearch, core.ProviderSearch, core.ProviderScrape} {
		key, err := GenerateKey(pt, "endpoint", map[string]any{"i": i})
		require.NoError(t, err)
		store.Set(ctx, key, json.RawMessage(`{}`), nil, nil, 1)
	}

	count, err := store.Invalidate(ctx, InvalidateFilter{ProviderType: core.ProviderSearch})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	stats, err := store.GetStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
}

func TestCleanupExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	for i, expires := range []time.Time{past, past, future} {
		key, err := GenerateKey(core.ProviderSearch, "web_search", map[string]any{"i": i})
		require.NoError(t, err)
		exp := expires
		require.NoError(t, store.backend.Upsert(ctx, &Entry{
			Key:          key,
			ProviderType: core.ProviderSearch,
			Endpoint:     "web_search",
			RequestHash:  "cafebabecafebabe",
			Payload:      json.RawMessage(`{}`),
			ExpiresAt:    &exp,
			Version:      1,
		}))
	}

	count, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStatsScopedByProviderType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	searchKey, err := GenerateKey(core.ProviderSearch, "web_search", map[string]any{"q": "a"})
	require.NoError(t, err)
	store.Set(ctx, searchKey, json.RawMessage(`{}`), nil, nil, 1)

	scrapeKey, err := GenerateKey(core.ProviderScrape, "fetch_page", map[string]any{"url": "b"})
	require.NoError(t, err)
	store.Set(ctx, scrapeKey, json.RawMessage(`{}`), nil, nil, 1)

	_, ok := store.Get(ctx, searchKey, 1)
	require.True(t, ok)
	_, ok = store.Get(ctx, searchKey, 1)
	require.True(t, ok)

	stats, err := store.GetStats(ctx, core.ProviderSearch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.TotalHits)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

type fixedTTL struct {
	d        time.Duration
	accesses int
}

func (f *fixedTTL) RecommendTTL(ctx context.Context, pt core.ProviderType, key string) time.Duration {
	return f.d
}

func (f *fixedTTL) RecordAccess(key string) { f.accesses++ }

func TestWithCacheUsesRecommendedTTL(t *testing.T) {
	st, err := storage.NewSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend, err := NewSQLiteBackend(st.SQLiteDB())
	require.NoError(t, err)

	rec := &fixedTTL{d: 42 * time.Second}
	store := NewKeyedStore(backend, rec, nil)
	ctx := context.Background()

	opts := Options{ProviderType: core.ProviderSearch, Endpoint: "web_search", Version: 1}
	payload := map[string]any{"q": "freight index"}

	_, err = store.WithCache(ctx, opts, payload, func(ctx context.Context) (*Produced, error) {
		return &Produced{Data: json.RawMessage(`{}`)}, nil
	})
	require.NoError(t, err)

	key, err := GenerateKey(opts.ProviderType, opts.Endpoint, payload)
	require.NoError(t, err)
	entry, err := backend.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, entry.TTLSeconds)
	assert.Equal(t, int64(42), *entry.TTLSeconds)
	assert.Greater(t, rec.accesses, 0)
}
