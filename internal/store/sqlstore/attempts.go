package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/busybox42/bounced/internal/store"
)

// Attempts returns the AttemptStore view of s
func (s *Store) Attempts() store.AttemptStore {
	return attempts{s}
}

type attempts struct{ s *Store }

func (a attempts) Get(ctx context.Context, messageID, recipient string) (int, error) {
	if !a.s.connected {
		return 0, store.Wrap("attempts_get", store.ErrNotConnected)
	}
	n, err := a.current(ctx, a.s.db, messageID, recipient)
	return n, store.Wrap("attempts_get", err)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (a attempts) current(ctx context.Context, q queryer, messageID, recipient string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		a.s.rebind(`SELECT attempt_count FROM attempts WHERE message_id = ? AND recipient = ?`),
		messageID, recipient).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (a attempts) upsertIncrement() string {
	if a.s.config.Dialect == MySQL {
		return `INSERT INTO attempts (message_id, recipient, attempt_count) VALUES (?, ?, 1)
ON DUPLICATE KEY UPDATE attempt_count = attempt_count + 1`
	}
	return a.s.rebind(`INSERT INTO attempts (message_id, recipient, attempt_count) VALUES (?, ?, 1)
ON CONFLICT (message_id, recipient) DO UPDATE SET attempt_count = attempts.attempt_count + 1`)
}

func (a attempts) Increment(ctx context.Context, messageID, recipient string) (int, error) {
	if !a.s.connected {
		return 0, store.Wrap("attempts_increment", store.ErrNotConnected)
	}

	tx, err := a.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.Wrap("attempts_increment", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, a.upsertIncrement(), messageID, recipient); err != nil {
		return 0, store.Wrap("attempts_increment", err)
	}
	n, err := a.current(ctx, tx, messageID, recipient)
	if err != nil {
		return 0, store.Wrap("attempts_increment", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, store.Wrap("attempts_increment", err)
	}
	return n, nil
}

func (a attempts) insertFirst() string {
	if a.s.config.Dialect == MySQL {
		return `INSERT IGNORE INTO attempts (message_id, recipient, attempt_count) VALUES (?, ?, 1)`
	}
	return a.s.rebind(`INSERT INTO attempts (message_id, recipient, attempt_count) VALUES (?, ?, 1)
ON CONFLICT (message_id, recipient) DO NOTHING`)
}

// CompareAndIncrement relies on single-statement atomicity: the first slot
// is claimed by an insert that does nothing on conflict, later slots by a
// conditional update on the expected count.
func (a attempts) CompareAndIncrement(ctx context.Context, messageID, recipient string, expected int) (int, bool, error) {
	if !a.s.connected {
		return 0, false, store.Wrap("attempts_cas", store.ErrNotConnected)
	}

	var res sql.Result
	var err error
	if expected == 0 {
		res, err = a.s.db.ExecContext(ctx, a.insertFirst(), messageID, recipient)
	} else {
		res, err = a.s.db.ExecContext(ctx,
			a.s.rebind(`UPDATE attempts SET attempt_count = attempt_count + 1
WHERE message_id = ? AND recipient = ? AND attempt_count = ?`),
			messageID, recipient, expected)
	}
	if err != nil {
		return 0, false, store.Wrap("attempts_cas", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, store.Wrap("attempts_cas", err)
	}
	if affected == 1 {
		return expected + 1, true, nil
	}

	n, err := a.current(ctx, a.s.db, messageID, recipient)
	if err != nil {
		return 0, false, store.Wrap("attempts_cas", fmt.Errorf("reading after lost claim: %w", err))
	}
	return n, false, nil
}
