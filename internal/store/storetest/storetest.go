// Package storetest holds the behavioural contract shared by every store
// adapter. Adapter tests call these with a fresh, empty store.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/bounced/internal/store"
)

// Base is a fixed reference time for contract tests
var Base = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

// Suppression runs the SuppressionStore contract against s.
func Suppression(t *testing.T, s store.SuppressionStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		e, err := s.Get(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("put then get", func(t *testing.T) {
		want := store.SuppressionEntry{Recipient: "a@example.com", SuppressedUntil: Base.Add(time.Hour), Reason: "permanent_failure"}
		require.NoError(t, s.Put(ctx, want))

		got, err := s.Get(ctx, "a@example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Recipient, got.Recipient)
		assert.Equal(t, want.Reason, got.Reason)
		assert.True(t, want.SuppressedUntil.Equal(got.SuppressedUntil), "got %v", got.SuppressedUntil)
	})

	t.Run("put overwrites", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, store.SuppressionEntry{Recipient: "b@example.com", SuppressedUntil: Base.Add(30 * 24 * time.Hour), Reason: "long"}))
		require.NoError(t, s.Put(ctx, store.SuppressionEntry{Recipient: "b@example.com", SuppressedUntil: Base.Add(time.Minute), Reason: "short"}))

		got, err := s.Get(ctx, "b@example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "short", got.Reason)
		assert.True(t, Base.Add(time.Minute).Equal(got.SuppressedUntil))
	})

	t.Run("remove expired is strict", func(t *testing.T) {
		entries := []store.SuppressionEntry{
			{Recipient: "past@example.com", SuppressedUntil: Base.Add(-time.Second), Reason: "x"},
			{Recipient: "now@example.com", SuppressedUntil: Base, Reason: "x"},
			{Recipient: "future@example.com", SuppressedUntil: Base.Add(time.Second), Reason: "x"},
		}
		for _, e := range entries {
			require.NoError(t, s.Put(ctx, e))
		}

		n, err := s.RemoveExpired(ctx, Base)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		gone, err := s.Get(ctx, "past@example.com")
		require.NoError(t, err)
		assert.Nil(t, gone)
		for _, r := range []string{"now@example.com", "future@example.com", "a@example.com"} {
			e, err := s.Get(ctx, r)
			require.NoError(t, err)
			assert.NotNil(t, e, r)
		}
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, store.SuppressionEntry{Recipient: "del@example.com", SuppressedUntil: Base.Add(time.Hour), Reason: "x"}))
		require.NoError(t, s.Delete(ctx, "del@example.com"))
		e, err := s.Get(ctx, "del@example.com")
		require.NoError(t, err)
		assert.Nil(t, e)

		assert.NoError(t, s.Delete(ctx, "never@example.com"))
	})
}

// Attempts runs the AttemptStore contract against a.
func Attempts(t *testing.T, a store.AttemptStore) {
	ctx := context.Background()

	t.Run("starts at zero", func(t *testing.T) {
		n, err := a.Get(ctx, "m0", "r@example.com")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("increment", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			n, err := a.Increment(ctx, "m1", "r@example.com")
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
		n, err := a.Get(ctx, "m1", "r@example.com")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		other, err := a.Get(ctx, "m1", "other@example.com")
		require.NoError(t, err)
		assert.Equal(t, 0, other, "keys are per recipient")
	})

	t.Run("separator in either part does not collide", func(t *testing.T) {
		_, err := a.Increment(ctx, "m5|a", "b@example.com")
		require.NoError(t, err)

		n, err := a.Get(ctx, "m5", "a|b@example.com")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("compare and increment", func(t *testing.T) {
		n, ok, err := a.CompareAndIncrement(ctx, "m2", "r@example.com", 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, n)

		n, ok, err = a.CompareAndIncrement(ctx, "m2", "r@example.com", 0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, n)

		n, ok, err = a.CompareAndIncrement(ctx, "m2", "r@example.com", 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, n)
	})

	t.Run("concurrent increments are atomic", func(t *testing.T) {
		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := a.Increment(ctx, "m3", "r@example.com")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		n, err := a.Get(ctx, "m3", "r@example.com")
		require.NoError(t, err)
		assert.Equal(t, workers, n)
	})

	t.Run("only one concurrent claim wins", func(t *testing.T) {
		const workers = 10
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := a.CompareAndIncrement(ctx, "m4", "r@example.com", 0)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

