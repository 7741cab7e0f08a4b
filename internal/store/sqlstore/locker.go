package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/busybox42/bounced/internal/store"
)

// AdvisoryLocker is a store.Locker using PostgreSQL session advisory locks.
// Each lock pins one pooled connection until it is released, since advisory
// locks belong to the session that took them. A connection whose unlock
// failed is discarded rather than returned to the pool, which ends the
// session and the lock with it.
type AdvisoryLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAdvisoryLocker creates a locker on db, which must be PostgreSQL
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:     db,
		logger: slog.Default().With("component", "pg-advisory-locker"),
	}
}

func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, store.Wrap("lock", err)
	}

	id := lockID(key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, store.Wrap("lock", err)
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(rctx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
			l.logger.Warn("failed to release advisory lock, dropping connection", "key", key, "error", err)
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}
