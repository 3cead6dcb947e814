/*
Package cache provides reminder send guards.

A guard is the fast path of reminder deduplication: before a reminder is
sent the scheduler claims "reminder:<charge>:<type>:<day>". When several
server instances run the same reminder job, only the one that wins the
claim goes on to insert the reminder log row. The reminder log stays the
source of truth; a guard only saves database round trips.

IMPLEMENTATIONS:
  RedisGuard:  SETNX with TTL, shared across instances
  MemoryGuard: process-local map with TTL
*/
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodersClub-IUKC/CAMPUS-NEXUS/billing"
)

// DefaultTTL outlives a reminder day.
const DefaultTTL = 36 * time.Hour

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// redisClient is the subset of *redis.Client the guard uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard implements billing.SendGuard using Redis.
type RedisGuard struct {
	client    redisClient
	keyPrefix string
	ttl       time.Duration
	closer    func() error
}

// NewRedisGuard connects to Redis and checks the connection.
func NewRedisGuard(cfg RedisConfig) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	g := NewRedisGuardWithClient(client, "", cfg.TTL)
	g.closer = client.Close
	return g, nil
}

// NewRedisGuardWithClient creates a guard on an existing client.
func NewRedisGuardWithClient(client redisClient, keyPrefix string, ttl time.Duration) *RedisGuard {
	if keyPrefix == "" {
		keyPrefix = "nexus:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Claim returns true if the key was newly set.
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the claim so a failed send can be retried.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client if the guard opened it.
func (g *RedisGuard) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

// MemoryGuard implements billing.SendGuard in process memory.
type MemoryGuard struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]time.Time // key -> expiry
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{ttl: ttl, now: time.Now, claims: make(map[string]time.Time)}
}

func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.claims[key] = now.Add(g.ttl)
	g.evict(now)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, key)
	return nil
}

func (g *MemoryGuard) evict(now time.Time) {
	for k, exp := range g.claims {
		if !now.Before(exp) {
			delete(g.claims, k)
		}
	}
}

var (
	_ billing.SendGuard = (*RedisGuard)(nil)
	_ billing.SendGuard = (*MemoryGuard)(nil)
)
