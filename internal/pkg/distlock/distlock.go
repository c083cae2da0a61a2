// Package distlock serializes sync runs across hosts: at most one run
// may hold the run lock at a time. Redis is the preferred backend; a
// PostgreSQL advisory lock covers deployments that run without Redis.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock guards one sync run. Instances are single-use: Acquire once,
// Extend while the run is in flight, Release when it finishes. Not safe
// for concurrent use; each run gets its own instance.
type DistLock interface {
	// Acquire tries to take the run lock without blocking. Returns
	// false when another run already holds it.
	Acquire(ctx context.Context) (bool, error)
	// Extend renews the lock's lease so a long run is not expired out
	// from under itself mid-flight.
	Extend(ctx context.Context) error
	// Release frees the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks the best available backend: Redis when a client is
// configured, otherwise a PostgreSQL advisory lock on the run-log
// database.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock implements DistLock on pg_try_advisory_lock. Advisory
// locks are session-scoped, so the lock pins a dedicated connection for
// its whole lifetime: acquiring and releasing through the pool would
// land on different sessions and the unlock would silently miss. The
// session scope doubles as crash-safety; if the holder dies, the
// connection drops and the lock frees itself.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock derives a stable 64-bit lock id from the key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire checks a connection out of the pool and takes the advisory
// lock on it. The connection stays checked out until Release so the
// unlock runs on the session that owns the lock.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("checkout lock session: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend is a no-op: a session-scoped advisory lock has no lease to
// renew, it holds as long as the pinned connection lives.
func (l *PGAdvisoryLock) Extend(ctx context.Context) error {
	return nil
}

// Release unlocks on the pinned session and returns the connection to
// the pool. A no-op when Acquire never succeeded.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return closeErr
}
