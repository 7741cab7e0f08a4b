// Package redisstore keeps suppression entries and attempt counters in Redis
// so several bounced processes can share them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busybox42/bounced/internal/store"
)

// Config holds connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, e.g. "bounced:"
	Prefix string
	// AttemptTTL expires idle attempt counters. Zero keeps them forever and
	// leaves retention to an external policy.
	AttemptTTL time.Duration
}

// Store implements store.SuppressionStore and store.AttemptStore.
//
// Suppressions live in one hash (recipient -> JSON entry) with a sorted set
// scored by expiry in unix milliseconds, so RemoveExpired never scans
// unexpired entries. Attempt counters are plain integer keys.
type Store struct {
	config    Config
	client    *redis.Client
	connected bool
}

// New creates a Store; call Connect before use
func New(config Config) *Store {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.Prefix == "" {
		config.Prefix = "bounced:"
	}
	return &Store{config: config}
}

// Connect opens the client and verifies it with PING
func (s *Store) Connect() error {
	if s.connected {
		return nil
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     s.config.Addr,
		Password: s.config.Password,
		DB:       s.config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s.connected = true
	return nil
}

// Close closes the client
func (s *Store) Close() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.client.Close()
}

// Client exposes the underlying client so lockers and sinks can share it
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) suppressionKey() string { return s.config.Prefix + "suppression" }
func (s *Store) expiryKey() string      { return s.config.Prefix + "suppression:expiry" }
func (s *Store) attemptKey(messageID, recipient string) string {
	return s.config.Prefix + "attempts:" + store.AttemptKey(messageID, recipient)
}

type entryRecord struct {
	Until  int64  `json:"until"`
	Reason string `json:"reason"`
}

func (s *Store) Get(ctx context.Context, recipient string) (*store.SuppressionEntry, error) {
	if !s.connected {
		return nil, store.Wrap("get", store.ErrNotConnected)
	}

	raw, err := s.client.HGet(ctx, s.suppressionKey(), recipient).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("get", err)
	}

	var rec entryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, store.Wrap("get", fmt.Errorf("decoding entry for %s: %w", recipient, err))
	}
	return &store.SuppressionEntry{
		Recipient:       recipient,
		SuppressedUntil: time.UnixMilli(rec.Until).UTC(),
		Reason:          rec.Reason,
	}, nil
}

func (s *Store) Put(ctx context.Context, entry store.SuppressionEntry) error {
	if !s.connected {
		return store.Wrap("put", store.ErrNotConnected)
	}
	if entry.Recipient == "" {
		return store.Wrap("put", store.ErrInvalidKey)
	}

	until := entry.SuppressedUntil.UnixMilli()
	data, err := json.Marshal(entryRecord{Until: until, Reason: entry.Reason})
	if err != nil {
		return store.Wrap("put", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.suppressionKey(), entry.Recipient, data)
		p.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(until), Member: entry.Recipient})
		return nil
	})
	return store.Wrap("put", err)
}

// removeExpiredScript deletes every member scored strictly below ARGV[1].
var removeExpiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
	redis.call('HDEL', KEYS[1], id)
	redis.call('ZREM', KEYS[2], id)
end
return #ids
`)

func (s *Store) RemoveExpired(ctx context.Context, before time.Time) (int, error) {
	if !s.connected {
		return 0, store.Wrap("remove_expired", store.ErrNotConnected)
	}
	n, err := removeExpiredScript.Run(ctx, s.client,
		[]string{s.suppressionKey(), s.expiryKey()}, before.UnixMilli()).Int()
	if err != nil {
		return 0, store.Wrap("remove_expired", err)
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, recipient string) error {
	if !s.connected {
		return store.Wrap("delete", store.ErrNotConnected)
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.suppressionKey(), recipient)
		p.ZRem(ctx, s.expiryKey(), recipient)
		return nil
	})
	return store.Wrap("delete", err)
}

// Attempts returns the AttemptStore view of s
func (s *Store) Attempts() store.AttemptStore {
	return attempts{s}
}

type attempts struct{ s *Store }

func (a attempts) Get(ctx context.Context, messageID, recipient string) (int, error) {
	if !a.s.connected {
		return 0, store.Wrap("attempts_get", store.ErrNotConnected)
	}
	v, err := a.s.client.Get(ctx, a.s.attemptKey(messageID, recipient)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, store.Wrap("attempts_get", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, store.Wrap("attempts_get", err)
	}
	return n, nil
}

func (a attempts) Increment(ctx context.Context, messageID, recipient string) (int, error) {
	if !a.s.connected {
		return 0, store.Wrap("attempts_increment", store.ErrNotConnected)
	}
	key := a.s.attemptKey(messageID, recipient)
	var incr *redis.IntCmd
	_, err := a.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		if a.s.config.AttemptTTL > 0 {
			p.Expire(ctx, key, a.s.config.AttemptTTL)
		}
		return nil
	})
	if err != nil {
		return 0, store.Wrap("attempts_increment", err)
	}
	return int(incr.Val()), nil
}

// casScript increments KEYS[1] only when it currently equals ARGV[1].
// It returns {value, 1} on success and {current, 0} otherwise.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur ~= tonumber(ARGV[1]) then
	return {cur, 0}
end
local n = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return {n, 1}
`)

func (a attempts) CompareAndIncrement(ctx context.Context, messageID, recipient string, expected int) (int, bool, error) {
	if !a.s.connected {
		return 0, false, store.Wrap("attempts_cas", store.ErrNotConnected)
	}
	res, err := casScript.Run(ctx, a.s.client,
		[]string{a.s.attemptKey(messageID, recipient)},
		expected, a.s.config.AttemptTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, store.Wrap("attempts_cas", err)
	}
	if len(res) != 2 {
		return 0, false, store.Wrap("attempts_cas", fmt.Errorf("unexpected script reply %v", res))
	}
	return int(res[0]), res[1] == 1, nil
}
