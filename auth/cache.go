package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Signer produces a fresh authorization artifact by asking the owner to
// approve it. This is an interactive step and may take arbitrarily long.
type Signer interface {
	Sign(ctx context.Context, owner common.Address, contracts []common.Address) (Artifact, error)
}

// Cache reuses stored authorization artifacts so the owner is not prompted
// on every decrypt. Artifacts are keyed by (owner, sorted contract set) and
// re-requested when expired or when the set no longer matches.
type Cache struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// CacheOption mutates the cache during construction.
type CacheOption func(*Cache)

// WithClock overrides the time source used for validity checks. Primarily
// for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger attaches a logger for cache hit/miss diagnostics.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache wraps store with reuse logic. A nil store falls back to an
// in-memory store.
func NewCache(store Store, opts ...CacheOption) *Cache {
	cache := &Cache{store: store, now: time.Now, logger: slog.Default()}
	if cache.store == nil {
		cache.store = NewMemoryStore()
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// LoadOrCreate returns a valid artifact for (owner, contracts), reusing a
// stored one when possible. A cache miss triggers the interactive signer; an
// approved artifact is persisted before being returned. Owner rejection
// surfaces ErrAuthorizationDenied and leaves the store untouched.
func (c *Cache) LoadOrCreate(ctx context.Context, signer Signer, owner common.Address, contracts []common.Address) (Artifact, error) {
	if signer == nil {
		return Artifact{}, fmt.Errorf("auth: nil signer")
	}
	key := CacheKey(owner, contracts)
	cached, ok, err := c.store.Load(key)
	if err != nil {
		return Artifact{}, fmt.Errorf("auth: load artifact: %w", err)
	}
	if ok && cached.Owner == owner && cached.Valid(c.now()) && cached.Covers(contracts) {
		c.logger.Debug("reusing cached authorization artifact", "owner", owner.Hex())
		return cached, nil
	}

	artifact, err := signer.Sign(ctx, owner, SortContracts(contracts))
	if err != nil {
		return Artifact{}, err
	}
	if err := c.store.Save(key, artifact); err != nil {
		return Artifact{}, fmt.Errorf("auth: persist artifact: %w", err)
	}
	c.logger.Info("stored fresh authorization artifact",
		"owner", owner.Hex(), "validDays", artifact.ValidDays)
	return artifact, nil
}

// Forget drops any stored artifact for (owner, contracts).
func (c *Cache) Forget(owner common.Address, contracts []common.Address) error {
	return c.store.Delete(CacheKey(owner, contracts))
}
