// Package store defines the persistence contracts used by the retry engine
// and the complaint processor, plus an in-process implementation.
//
// Adapters for shared backends live in the redisstore, sqlstore and memcachestore
// subpackages. Every adapter must make Increment and CompareAndIncrement
// atomic per key, and Put must replace the previous entry for a recipient
// rather than merge with it.
package store

import (
	"context"
	"strconv"
	"time"
)

// SuppressionEntry blocks delivery to a recipient until SuppressedUntil
type SuppressionEntry struct {
	Recipient       string    `json:"recipient"`
	SuppressedUntil time.Time `json:"suppressed_until"`
	Reason          string    `json:"reason"`
}

// Active reports whether the entry still suppresses at now
func (e *SuppressionEntry) Active(now time.Time) bool {
	return e != nil && e.SuppressedUntil.After(now)
}

// SuppressionStore persists one suppression entry per recipient.
type SuppressionStore interface {
	// Get returns nil, nil when the recipient has no entry
	Get(ctx context.Context, recipient string) (*SuppressionEntry, error)
	// Put replaces any existing entry for entry.Recipient
	Put(ctx context.Context, entry SuppressionEntry) error
	// RemoveExpired deletes entries whose SuppressedUntil is strictly before
	// the given time and returns how many were removed
	RemoveExpired(ctx context.Context, before time.Time) (int, error)
	Delete(ctx context.Context, recipient string) error
}

// AttemptStore holds retry attempt counters keyed by (messageID, recipient).
// Counters only grow.
type AttemptStore interface {
	Get(ctx context.Context, messageID, recipient string) (int, error)
	// Increment atomically adds one and returns the new value
	Increment(ctx context.Context, messageID, recipient string) (int, error)
	// CompareAndIncrement adds one only if the current value equals
	// expected. It returns the value after the call and whether the
	// increment happened.
	CompareAndIncrement(ctx context.Context, messageID, recipient string, expected int) (int, bool, error)
}

// Locker serializes read-modify-write sequences per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// AttemptKey joins the two parts of an attempt counter key. The message ID
// is length-prefixed, so no pair of parts maps to another pair's key.
func AttemptKey(messageID, recipient string) string {
	return strconv.Itoa(len(messageID)) + ":" + messageID + "|" + recipient
}
