// Package distlock coordinates work across service replicas. The
// scheduled-send sweep and SES receipt-rule edits both run under a
// short-lived lock so only one process touches the shared resource at
// a time. Redis backs the lock when configured; otherwise Postgres
// advisory locks stand in, keyed off the same strings.
package distlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a single-holder lock shared between processes. An
// instance belongs to one goroutine; two goroutines wanting the same
// lock each construct their own.
type DistLock interface {
	// Acquire reports whether this instance now holds the lock. It
	// never blocks waiting for a holder to finish.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still holds it.
	Release(ctx context.Context) error
}

// NewLock returns a Redis-backed lock when a client is available and a
// Postgres advisory lock otherwise. Both survive crashes: Redis frees
// the key through its TTL, Postgres when the session drops.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}
