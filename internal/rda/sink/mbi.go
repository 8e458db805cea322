package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/G-Research/rdapipeline/internal/common/metrics"
)

const (
	hashIterations = 1000
	hashKeyLength  = 32
)

// Mbi is a beneficiary identifier together with its hash. ID is only set when the value
// is backed by a row in the mbi cache table.
type Mbi struct {
	ID    *int64
	Value string
	Hash  string
}

// IdHasher produces the one way hash stored alongside each mbi.
type IdHasher struct {
	pepper []byte
}

func NewIdHasher(pepper string) *IdHasher {
	return &IdHasher{pepper: []byte(pepper)}
}

func (h *IdHasher) Hash(id string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(id), h.pepper, hashIterations, hashKeyLength, sha256.New))
}

// MbiStore persists mbi values and their hashes.
type MbiStore interface {
	// ReadOrInsert returns the id of the row for mbi, inserting one with the given hash if none exists.
	ReadOrInsert(ctx context.Context, mbi string, hash string) (int64, error)
}

// MbiCache looks up mbi records through an in memory LRU cache. When a store is configured
// misses are resolved against it; otherwise records carry only the computed hash.
type MbiCache struct {
	cache    *lru.Cache
	hasher   *IdHasher
	store    MbiStore
	attempts uint
	delay    time.Duration
	metrics  metrics.Recorder
}

func NewMbiCache(size int, hasher *IdHasher, store MbiStore, recorder metrics.Recorder) (*MbiCache, error) {
	if size < 1 {
		size = 1
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MbiCache{
		cache:    cache,
		hasher:   hasher,
		store:    store,
		attempts: 5,
		delay:    10 * time.Millisecond,
		metrics:  recorder,
	}, nil
}

func (c *MbiCache) Lookup(ctx context.Context, mbi string) (Mbi, error) {
	c.metrics.Increment("mbi_cache_lookups")
	if value, ok := c.cache.Get(mbi); ok {
		return value.(Mbi), nil
	}
	c.metrics.Increment("mbi_cache_misses")

	result := Mbi{Value: mbi, Hash: c.hasher.Hash(mbi)}
	if c.store != nil {
		id, err := c.readOrInsert(ctx, mbi, result.Hash)
		if err != nil {
			if ctx.Err() != nil {
				return Mbi{}, errors.WithStack(ctx.Err())
			}
			// Concurrent inserts can keep colliding; the claim is still written with the computed hash.
			log.WithError(err).Warn("Unable to read or insert mbi, using computed hash")
			return result, nil
		}
		result.ID = &id
	}
	c.cache.Add(mbi, result)
	return result, nil
}

func (c *MbiCache) readOrInsert(ctx context.Context, mbi string, hash string) (int64, error) {
	var id int64
	err := retry.Do(
		func() error {
			var err error
			id, err = c.store.ReadOrInsert(ctx, mbi, hash)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.MaxJitter(c.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.metrics.Increment("mbi_cache_retries")
		}),
	)
	return id, err
}
