package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/rdapipeline/internal/common/metrics"
)

func TestIdHasher(t *testing.T) {
	hasher := NewIdHasher("pepper")

	hash := hasher.Hash("1S00E00AA00")

	assert.Len(t, hash, 64)
	assert.Equal(t, hash, hasher.Hash("1S00E00AA00"))
	assert.NotEqual(t, hash, hasher.Hash("1S00E00AA01"))
	assert.NotEqual(t, hash, NewIdHasher("other").Hash("1S00E00AA00"))
}

func newTestCache(t *testing.T, store MbiStore) (*MbiCache, *metrics.RecordingRecorder) {
	recorder := metrics.NewRecordingRecorder()
	cache, err := NewMbiCache(10, NewIdHasher("pepper"), store, recorder)
	require.NoError(t, err)
	cache.delay = time.Millisecond
	return cache, recorder
}

func TestMbiCache_ComputedWithoutStore(t *testing.T) {
	cache, recorder := newTestCache(t, nil)

	mbi, err := cache.Lookup(context.Background(), "1S00E00AA00")

	require.NoError(t, err)
	assert.Nil(t, mbi.ID)
	assert.Equal(t, "1S00E00AA00", mbi.Value)
	assert.Equal(t, NewIdHasher("pepper").Hash("1S00E00AA00"), mbi.Hash)
	assert.Equal(t, 1, recorder.Value("mbi_cache_misses"))
}

func TestMbiCache_HitsAvoidStore(t *testing.T) {
	store := &fakeMbiStore{id: 12}
	cache, recorder := newTestCache(t, store)

	for i := 0; i < 3; i++ {
		mbi, err := cache.Lookup(context.Background(), "1S00E00AA00")
		require.NoError(t, err)
		require.NotNil(t, mbi.ID)
		assert.Equal(t, int64(12), *mbi.ID)
	}
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 3, recorder.Value("mbi_cache_lookups"))
	assert.Equal(t, 1, recorder.Value("mbi_cache_misses"))
}

func TestMbiCache_StoreRetries(t *testing.T) {
	tests := map[string]struct {
		failures      int
		expectID      bool
		expectCalls   int
		expectRetries int
		expectCached  bool
	}{
		"succeeds after retries": {failures: 2, expectID: true, expectCalls: 3, expectRetries: 2, expectCached: true},
		"falls back to hash":     {failures: 10, expectID: false, expectCalls: 5, expectRetries: 5, expectCached: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := &fakeMbiStore{id: 3, failures: tc.failures}
			cache, recorder := newTestCache(t, store)

			mbi, err := cache.Lookup(context.Background(), "1S00E00AA00")

			require.NoError(t, err)
			assert.Equal(t, tc.expectID, mbi.ID != nil)
			assert.NotEmpty(t, mbi.Hash)
			assert.Equal(t, tc.expectCalls, store.calls)
			assert.Equal(t, tc.expectRetries, recorder.Value("mbi_cache_retries"))
			assert.Equal(t, tc.expectCached, cache.cache.Contains("1S00E00AA00"))
		})
	}
}
