package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/bounced/internal/store"
	"github.com/busybox42/bounced/internal/store/storetest"
)

func TestMemorySuppression(t *testing.T) {
	storetest.Suppression(t, store.NewMemory())
}

func TestMemoryAttempts(t *testing.T) {
	storetest.Attempts(t, store.NewMemory().Attempts())
}

func TestAttemptKey(t *testing.T) {
	assert.Equal(t, "2:m1|x@y.com", store.AttemptKey("m1", "x@y.com"))
	assert.NotEqual(t, store.AttemptKey("a|b", "c"), store.AttemptKey("a", "b|c"))
	assert.NotEqual(t, store.AttemptKey("1:a", "b"), store.AttemptKey("1", "a|b"))
}

func TestMemoryPutRejectsEmptyRecipient(t *testing.T) {
	err := store.NewMemory().Put(context.Background(), store.SuppressionEntry{})
	assert.True(t, store.IsStoreError(err))
	assert.ErrorIs(t, err, store.ErrInvalidKey)
}

func TestMemoryRemoveExpiredLeavesAttempts(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	_, err := m.Attempts().Increment(ctx, "m", "r@example.com")
	require.NoError(t, err)
	require.NoError(t, m.Put(ctx, store.SuppressionEntry{Recipient: "r@example.com", SuppressedUntil: storetest.Base.Add(-time.Hour)}))

	n, err := m.RemoveExpired(ctx, storetest.Base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, m.List())
	assert.Equal(t, 1, m.AttemptCount())
}

func TestSuppressionEntryActive(t *testing.T) {
	var nilEntry *store.SuppressionEntry
	assert.False(t, nilEntry.Active(storetest.Base))

	e := &store.SuppressionEntry{SuppressedUntil: storetest.Base}
	assert.False(t, e.Active(storetest.Base))
	assert.True(t, e.Active(storetest.Base.Add(-time.Nanosecond)))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, store.Wrap("get", nil))

	cause := errors.New("connection refused")
	err := store.Wrap("get", cause)
	var se *store.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get", se.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store get: connection refused", err.Error())

	assert.Same(t, err, store.Wrap("put", err), "already wrapped errors pass through")
}

func TestLocalLocker(t *testing.T) {
	l := store.NewLocalLocker(4)
	ctx := context.Background()

	t.Run("serializes the same key", func(t *testing.T) {
		var mu sync.Mutex
		inside := 0
		maxInside := 0
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.Lock(ctx, "same")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxInside)
	})

	t.Run("honours context", func(t *testing.T) {
		unlock, err := l.Lock(ctx, "held")
		require.NoError(t, err)
		defer unlock()

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err = l.Lock(cctx, "held")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("unlock is idempotent", func(t *testing.T) {
		unlock, err := l.Lock(ctx, "twice")
		require.NoError(t, err)
		unlock()
		unlock()
		unlock, err = l.Lock(ctx, "twice")
		require.NoError(t, err)
		unlock()
	})
}
