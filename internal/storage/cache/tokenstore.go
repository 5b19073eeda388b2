// Package cache adds read-aside Redis caching in front of a device store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

const generationKey = "devices:gen"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
	// Incr atomically increments an integer key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
}

// CachedTokenStore is a Decorator that adds Read-Aside caching of token
// listings to any DeviceStore.
//
// Token lists are keyed by filter under a generation number. Every write bumps
// the generation, so one INCR invalidates every cached listing at once.
type CachedTokenStore struct {
	dispatch.DeviceStore
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedTokenStore creates the decorator.
func NewCachedTokenStore(realStore dispatch.DeviceStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		DeviceStore: realStore,
		cache:       cache,
		ttl:         ttl,
		logger:      logger.With("component", "CachedTokenStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTokenStore) ListTokens(ctx context.Context, filter dispatch.DeviceFilter) ([]string, error) {
	key, err := s.cacheKey(ctx, filter)
	if err != nil {
		// Caching is an optimization; an unreachable cache falls through to the store.
		s.logger.Warn("Cache unavailable, reading store", "err", err)
		return s.DeviceStore.ListTokens(ctx, filter)
	}

	var cached []string
	if err := s.cache.Get(ctx, key, &cached); err == nil && cached != nil {
		return cached, nil
	}

	fresh, err := s.DeviceStore.ListTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Failed to cache token list", "key", key, "err", err)
	}
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedTokenStore) Create(ctx context.Context, device *dispatch.Device) error {
	if err := s.DeviceStore.Create(ctx, device); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

func (s *CachedTokenStore) Update(ctx context.Context, device *dispatch.Device) error {
	if err := s.DeviceStore.Update(ctx, device); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

func (s *CachedTokenStore) SetActive(ctx context.Context, filter dispatch.DeviceFilter, active bool) (int64, error) {
	n, err := s.DeviceStore.SetActive(ctx, filter, active)
	if err != nil {
		return n, err
	}
	return n, s.invalidate(ctx)
}

// Deactivate must invalidate even when no row changed so a stale listing
// cannot keep serving a token the backend has rejected.
func (s *CachedTokenStore) Deactivate(ctx context.Context, tokens []string) (int64, error) {
	n, err := s.DeviceStore.Deactivate(ctx, tokens)
	if err != nil {
		return n, err
	}
	return n, s.invalidate(ctx)
}

func (s *CachedTokenStore) DeleteTokens(ctx context.Context, tokens []string) (int64, error) {
	n, err := s.DeviceStore.DeleteTokens(ctx, tokens)
	if err != nil {
		return n, err
	}
	return n, s.invalidate(ctx)
}

func (s *CachedTokenStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.DeviceStore.Delete(ctx, id); err != nil {
		return err
	}
	return s.invalidate(ctx)
}

func (s *CachedTokenStore) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.DeviceStore.DeleteForUser(ctx, userID)
	if err != nil {
		return n, err
	}
	return n, s.invalidate(ctx)
}

// --- Helpers ---

func (s *CachedTokenStore) invalidate(ctx context.Context) error {
	if _, err := s.cache.Incr(ctx, generationKey); err != nil {
		return fmt.Errorf("failed to invalidate token cache: %w", err)
	}
	return nil
}

func (s *CachedTokenStore) cacheKey(ctx context.Context, filter dispatch.DeviceFilter) (string, error) {
	var gen int64
	if err := s.cache.Get(ctx, generationKey, &gen); err != nil && !isMiss(err) {
		return "", err
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("devices:tokens:%d:%s", gen, hex.EncodeToString(sum[:])), nil
}
