// Package sqlstore persists suppression entries and attempt counters in a
// relational database. SQLite, MySQL and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/busybox42/bounced/internal/store"
)

// Dialect names a database/sql driver
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver name or a common alias
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect: %s", s)
	}
}

// Config holds connection settings
type Config struct {
	Dialect      Dialect
	DSN          string
	MaxOpenConns int
}

// Store implements store.SuppressionStore and store.AttemptStore on top of
// database/sql. Times are stored as unix milliseconds.
type Store struct {
	config    Config
	db        *sql.DB
	connected bool
	logger    *slog.Logger
}

// New creates a Store; call Connect before use
func New(config Config) *Store {
	if config.Dialect == SQLite && config.DSN == "" {
		config.DSN = "bounced.db"
	}
	return &Store{
		config: config,
		logger: slog.Default().With("component", "sql-store", "dialect", string(config.Dialect)),
	}
}

// NewWithDB wraps an already open database
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	s := New(Config{Dialect: dialect})
	s.db = db
	s.connected = true
	return s
}

// Connect opens the database and verifies it with a ping
func (s *Store) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	db, err := sql.Open(string(s.config.Dialect), s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", s.config.Dialect, err)
	}

	switch {
	case s.config.Dialect == SQLite:
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases shared.
		db.SetMaxOpenConns(1)
	case s.config.MaxOpenConns > 0:
		db.SetMaxOpenConns(s.config.MaxOpenConns)
		db.SetMaxIdleConns(s.config.MaxOpenConns / 4)
	default:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to %s database: %w", s.config.Dialect, err)
	}

	s.db = db
	s.connected = true
	s.logger.Info("connected to database")
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.db.Close()
}

// DB exposes the pool so lockers can share it
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured dialect
func (s *Store) Dialect() Dialect {
	return s.config.Dialect
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if !s.connected {
		return store.Wrap("migrate", store.ErrNotConnected)
	}
	for _, stmt := range schema(s.config.Dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return store.Wrap("migrate", fmt.Errorf("%s: %w", firstLine(stmt), err))
		}
	}
	return nil
}

func schema(d Dialect) []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS suppressions (
	recipient VARCHAR(320) NOT NULL PRIMARY KEY,
	suppressed_until BIGINT NOT NULL,
	reason VARCHAR(64) NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS attempts (
	message_id VARCHAR(255) NOT NULL,
	recipient VARCHAR(320) NOT NULL,
	attempt_count INTEGER NOT NULL,
	PRIMARY KEY (message_id, recipient)
)`,
	}
	if d == MySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS
		stmts[0] = strings.Replace(stmts[0], "\n)", ",\n\tINDEX idx_suppressions_until (suppressed_until)\n)", 1)
		return stmts
	}
	return append(stmts, `CREATE INDEX IF NOT EXISTS idx_suppressions_until ON suppressions (suppressed_until)`)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// rebind rewrites ? placeholders as $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.config.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Get(ctx context.Context, recipient string) (*store.SuppressionEntry, error) {
	if !s.connected {
		return nil, store.Wrap("get", store.ErrNotConnected)
	}

	var until int64
	var reason string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT suppressed_until, reason FROM suppressions WHERE recipient = ?`),
		recipient).Scan(&until, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get", err)
	}
	return &store.SuppressionEntry{
		Recipient:       recipient,
		SuppressedUntil: time.UnixMilli(until).UTC(),
		Reason:          reason,
	}, nil
}

func (s *Store) upsertSuppression() string {
	if s.config.Dialect == MySQL {
		return `INSERT INTO suppressions (recipient, suppressed_until, reason) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE suppressed_until = VALUES(suppressed_until), reason = VALUES(reason)`
	}
	return s.rebind(`INSERT INTO suppressions (recipient, suppressed_until, reason) VALUES (?, ?, ?)
ON CONFLICT (recipient) DO UPDATE SET suppressed_until = excluded.suppressed_until, reason = excluded.reason`)
}

func (s *Store) Put(ctx context.Context, entry store.SuppressionEntry) error {
	if !s.connected {
		return store.Wrap("put", store.ErrNotConnected)
	}
	if entry.Recipient == "" {
		return store.Wrap("put", store.ErrInvalidKey)
	}
	_, err := s.db.ExecContext(ctx, s.upsertSuppression(),
		entry.Recipient, entry.SuppressedUntil.UnixMilli(), entry.Reason)
	return store.Wrap("put", err)
}

func (s *Store) RemoveExpired(ctx context.Context, before time.Time) (int, error) {
	if !s.connected {
		return 0, store.Wrap("remove_expired", store.ErrNotConnected)
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM suppressions WHERE suppressed_until < ?`), before.UnixMilli())
	if err != nil {
		return 0, store.Wrap("remove_expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Wrap("remove_expired", err)
	}
	return int(n), nil
}

func (s *Store) Delete(ctx context.Context, recipient string) error {
	if !s.connected {
		return store.Wrap("delete", store.ErrNotConnected)
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM suppressions WHERE recipient = ?`), recipient)
	return store.Wrap("delete", err)
}
