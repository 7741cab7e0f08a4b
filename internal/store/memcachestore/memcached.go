// Package memcachestore keeps retry attempt counters in memcached.
// Suppression entries need range deletion and stay in another backend.
package memcachestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"golang.org/x/crypto/blake2b"

	"github.com/busybox42/bounced/internal/store"
)

// Config holds connection settings
type Config struct {
	Servers []string
	Prefix  string
	// TTL expires counters after inactivity; zero means no expiry
	TTL     time.Duration
	Timeout time.Duration
}

// AttemptStore implements store.AttemptStore. Increments use memcached's
// native incr; compare-and-increment uses gets/cas.
type AttemptStore struct {
	config      Config
	client      *memcache.Client
	isConnected bool
}

// New creates an AttemptStore; call Connect before use
func New(config Config) *AttemptStore {
	if len(config.Servers) == 0 {
		config.Servers = []string{"localhost:11211"}
	}
	if config.Prefix == "" {
		config.Prefix = "bounced:"
	}
	return &AttemptStore{config: config}
}

// Connect creates the client and pings every server
func (a *AttemptStore) Connect() error {
	if a.isConnected {
		return nil
	}

	a.client = memcache.New(a.config.Servers...)
	if a.config.Timeout > 0 {
		a.client.Timeout = a.config.Timeout
	}

	if err := a.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	a.isConnected = true
	return nil
}

// Close marks the store disconnected
func (a *AttemptStore) Close() error {
	a.isConnected = false
	return nil
}

// Ping checks that every server answers
func (a *AttemptStore) Ping() error {
	if !a.isConnected {
		return store.Wrap("ping", store.ErrNotConnected)
	}
	return store.Wrap("ping", a.client.Ping())
}

// key hashes the message/recipient pair: memcached keys are limited to 250
// bytes without whitespace or control characters.
func (a *AttemptStore) key(messageID, recipient string) string {
	sum := blake2b.Sum256([]byte(store.AttemptKey(messageID, recipient)))
	return a.config.Prefix + "attempts:" + hex.EncodeToString(sum[:])
}

func (a *AttemptStore) expiration() int32 {
	return int32(a.config.TTL / time.Second)
}

func (a *AttemptStore) read(k string) (int, *memcache.Item, error) {
	item, err := a.client.Get(k)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(item.Value)))
	if err != nil {
		return 0, nil, fmt.Errorf("counter %s is not numeric: %w", k, err)
	}
	return n, item, nil
}

func (a *AttemptStore) Get(_ context.Context, messageID, recipient string) (int, error) {
	if !a.isConnected {
		return 0, store.Wrap("attempts_get", store.ErrNotConnected)
	}
	n, _, err := a.read(a.key(messageID, recipient))
	return n, store.Wrap("attempts_get", err)
}

func (a *AttemptStore) Increment(ctx context.Context, messageID, recipient string) (int, error) {
	if !a.isConnected {
		return 0, store.Wrap("attempts_increment", store.ErrNotConnected)
	}
	k := a.key(messageID, recipient)

	for {
		n, err := a.client.Increment(k, 1)
		if err == nil {
			return int(n), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, store.Wrap("attempts_increment", err)
		}

		err = a.client.Add(&memcache.Item{Key: k, Value: []byte("1"), Expiration: a.expiration()})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, store.Wrap("attempts_increment", err)
		}
		// lost the race to create the counter; increment the winner's value
		if ctx.Err() != nil {
			return 0, store.Wrap("attempts_increment", ctx.Err())
		}
	}
}

func (a *AttemptStore) CompareAndIncrement(_ context.Context, messageID, recipient string, expected int) (int, bool, error) {
	if !a.isConnected {
		return 0, false, store.Wrap("attempts_cas", store.ErrNotConnected)
	}
	k := a.key(messageID, recipient)

	if expected == 0 {
		err := a.client.Add(&memcache.Item{Key: k, Value: []byte("1"), Expiration: a.expiration()})
		if err == nil {
			return 1, true, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, false, store.Wrap("attempts_cas", err)
		}
	}

	cur, item, err := a.read(k)
	if err != nil {
		return 0, false, store.Wrap("attempts_cas", err)
	}
	if item == nil || cur != expected {
		return cur, false, nil
	}

	item.Value = []byte(strconv.Itoa(expected + 1))
	item.Expiration = a.expiration()
	err = a.client.CompareAndSwap(item)
	switch {
	case err == nil:
		return expected + 1, true, nil
	case errors.Is(err, memcache.ErrCASConflict), errors.Is(err, memcache.ErrNotStored):
		cur, _, err := a.read(k)
		return cur, false, store.Wrap("attempts_cas", err)
	default:
		return 0, false, store.Wrap("attempts_cas", err)
	}
}
