package retry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/bounced/internal/classify"
	"github.com/busybox42/bounced/internal/metrics"
	"github.com/busybox42/bounced/internal/report"
	"github.com/busybox42/bounced/internal/store"
	"github.com/busybox42/bounced/internal/store/storetest"
)

const (
	msgID = "<abc@example.org>"
	rcpt  = "x@y.com"
)

type fixture struct {
	engine  *Engine
	mem     *store.Memory
	metrics *metrics.Metrics
	now     time.Time
}

func newFixture(t *testing.T, locker store.Locker, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), now: storetest.Base}
	f.metrics, _ = metrics.NewForTest()
	opts = append([]Option{
		WithClock(func() time.Time { return f.now }),
		WithMetrics(f.metrics),
	}, opts...)
	e, err := NewEngine(f.mem, f.mem.Attempts(), locker, opts...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func dsn(status string) *report.DeliveryReport {
	return &report.DeliveryReport{MessageID: msgID, Recipient: rcpt, Status: status, Action: report.ActionFailed}
}

func TestBackoff(t *testing.T) {
	t.Run("doubles from base", func(t *testing.T) {
		assert.Equal(t, 5*time.Minute, Backoff(5*time.Minute, 0, DefaultMaxBackoff))
		assert.Equal(t, 10*time.Minute, Backoff(5*time.Minute, 1, DefaultMaxBackoff))
		assert.Equal(t, 80*time.Minute, Backoff(5*time.Minute, 4, DefaultMaxBackoff))
	})

	t.Run("never exceeds ceiling and never decreases", func(t *testing.T) {
		for _, base := range []time.Duration{time.Second, 5 * time.Minute, 30 * 24 * time.Hour, time.Duration(math.MaxInt64)} {
			prev := time.Duration(0)
			for n := 0; n <= 200; n++ {
				d := Backoff(base, n, DefaultMaxBackoff)
				assert.LessOrEqual(t, d, DefaultMaxBackoff, "base=%s n=%d", base, n)
				assert.GreaterOrEqual(t, d, prev, "base=%s n=%d", base, n)
				prev = d
			}
		}
	})

	t.Run("huge attempt counts stay capped", func(t *testing.T) {
		assert.Equal(t, DefaultMaxBackoff, Backoff(time.Minute, math.MaxInt32, DefaultMaxBackoff))
	})

	t.Run("zero base", func(t *testing.T) {
		assert.Equal(t, time.Duration(0), Backoff(0, 3, DefaultMaxBackoff))
	})
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxRetries: -1, MaxBackoff: time.Hour}.Validate())
	assert.Error(t, Policy{MaxRetries: 1}.Validate())
	assert.NoError(t, Policy{MaxRetries: 1, MaxBackoff: 24 * time.Hour}.Validate())
	assert.Error(t, Policy{MaxRetries: 1, MaxBackoff: 7 * 24 * time.Hour}.Validate(), "ceiling is 24h")

	_, err := NewEngine(store.NewMemory(), store.NewMemory().Attempts(), nil, WithPolicy(Policy{MaxRetries: 1}))
	assert.Error(t, err)

	_, err = NewEngine(nil, nil, nil)
	assert.Error(t, err)
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("temporary failure retries", func(t *testing.T) {
		f := newFixture(t, nil)
		ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("4.2.1"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, f.mem.List())
	})

	t.Run("permanent failure suppresses for its window", func(t *testing.T) {
		f := newFixture(t, nil)
		ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("5.1.1"))
		require.NoError(t, err)
		assert.False(t, ok)

		e, err := f.mem.Get(ctx, rcpt)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, f.now.Add(30*24*time.Hour), e.SuppressedUntil)
		assert.Equal(t, ReasonPermanent, e.Reason)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SuppressedTotal.WithLabelValues(ReasonPermanent)))
	})

	t.Run("success denies without suppression", func(t *testing.T) {
		f := newFixture(t, nil)
		ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("2.0.0"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, f.mem.List())
	})

	t.Run("active suppression dominates every classification", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.mem.Put(ctx, store.SuppressionEntry{Recipient: rcpt, SuppressedUntil: f.now.Add(time.Minute), Reason: "abuse"}))

		for _, status := range []string{"2.0.0", "4.2.1", "4.4.7", "5.1.1", "garbage"} {
			ok, err := f.engine.ShouldRetry(ctx, "<other-"+status+"@example.org>", rcpt, dsn(status))
			require.NoError(t, err)
			assert.False(t, ok, status)
		}

		e, _ := f.mem.Get(ctx, rcpt)
		assert.Equal(t, "abuse", e.Reason, "existing entry must not be overwritten")
	})

	t.Run("expired suppression no longer applies", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.mem.Put(ctx, store.SuppressionEntry{Recipient: rcpt, SuppressedUntil: f.now, Reason: "abuse"}))
		ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("4.2.1"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("sixth call after five retries denies and suppresses", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := 1; i <= 5; i++ {
			ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("4.2.1"))
			require.NoError(t, err)
			require.True(t, ok, "attempt %d", i)
			n, err := f.engine.RecordRetry(ctx, msgID, rcpt)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}

		ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("4.2.1"))
		require.NoError(t, err)
		assert.False(t, ok)

		e, err := f.mem.Get(ctx, rcpt)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, ReasonExhausted, e.Reason)
		assert.Equal(t, f.now.Add(classify.DelaySystem), e.SuppressedUntil)
	})

	t.Run("unparseable code falls back to retry", func(t *testing.T) {
		f := newFixture(t, nil)
		ok, err := f.engine.ShouldRetry(ctx, msgID, rcpt, dsn("5.x.1"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FallbacksTotal))
	})
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("grants five slots then suppresses", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := 1; i <= 5; i++ {
			d, err := f.engine.Evaluate(ctx, dsn("4.4.1"))
			require.NoError(t, err)
			require.True(t, d.Retry, "attempt %d", i)
			assert.Equal(t, i, d.Attempts)
			require.NotNil(t, d.NextAttemptAt)
			assert.Equal(t, f.now.Add(Backoff(classify.DelayProtocol, i-1, DefaultMaxBackoff)), *d.NextAttemptAt)
		}

		d, err := f.engine.Evaluate(ctx, dsn("4.4.1"))
		require.NoError(t, err)
		assert.False(t, d.Retry)
		assert.True(t, d.Suppressed)
		assert.Equal(t, ReasonExhausted, d.Reason)
		assert.Nil(t, d.NextAttemptAt)
		assert.Equal(t, 5, d.Attempts)

		d, err = f.engine.Evaluate(ctx, dsn("4.4.1"))
		require.NoError(t, err)
		assert.Equal(t, ReasonSuppressed, d.Reason)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues(ReasonSuppressed)))
		assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues(ReasonRetry)))
	})

	t.Run("round trip through the parser", func(t *testing.T) {
		f := newFixture(t, nil)
		r, err := report.ParseDelivery(storetestBounce)
		require.NoError(t, err)

		d, err := f.engine.Evaluate(ctx, r)
		require.NoError(t, err)
		assert.False(t, d.Retry)
		assert.Equal(t, classify.Permanent, d.Classification.Category)
		assert.Equal(t, classify.Mailbox, d.Classification.SubCategory)
		assert.Equal(t, classify.High, d.Classification.Severity)
		assert.Equal(t, 30*24*time.Hour, d.Classification.SuppressFor)
	})

	t.Run("exhausted suppression uses the triggering report", func(t *testing.T) {
		f := newFixture(t, nil, WithPolicy(Policy{MaxRetries: 1, MaxBackoff: time.Hour}))
		_, err := f.engine.Evaluate(ctx, dsn("4.4.1"))
		require.NoError(t, err)

		d, err := f.engine.Evaluate(ctx, dsn("4.2.1"))
		require.NoError(t, err)
		require.NotNil(t, d.SuppressedUntil)
		assert.Equal(t, f.now.Add(classify.DelaySystem), *d.SuppressedUntil)
	})

	t.Run("rejects reports without recipient", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Evaluate(ctx, &report.DeliveryReport{Status: "4.2.1"})
		assert.Error(t, err)
		_, err = f.engine.Evaluate(ctx, nil)
		assert.Error(t, err)
	})
}

const storetestBounce = "From: MAILER-DAEMON@mx.example.net\n" +
	"Content-Type: multipart/report; report-type=delivery-status\n" +
	"\n" +
	"Reporting-MTA: dns; mx.example.net\n" +
	"Original-Rcpt-To: rfc822; x@y.com\n" +
	"Action: failed\n" +
	"Status: 5.1.1\n" +
	"Diagnostic-Code: smtp; 550 5.1.1 user unknown\n" +
	"Last-Attempt-Date: Thu, 1 Feb 2024 11:59:00 +0000\n" +
	"\n" +
	"Content-Type: message/rfc822\n" +
	"\n" +
	"Message-ID: <abc@example.org>\n"

// nopLocker forces the engine to rely on compare-and-increment alone
type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func TestEvaluateLastSlotClaimedOnce(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name   string
		locker store.Locker
	}{
		{"recipient lock", nil},
		{"compare-and-increment only", nopLocker{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.locker)
			for i := 0; i < DefaultMaxRetries-1; i++ {
				_, err := f.engine.RecordRetry(ctx, msgID, rcpt)
				require.NoError(t, err)
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				granted int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := f.engine.Evaluate(ctx, dsn("4.3.0"))
					if !assert.NoError(t, err) {
						return
					}
					if d.Retry {
						mu.Lock()
						granted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, granted)
			n, err := f.mem.Attempts().Get(ctx, msgID, rcpt)
			require.NoError(t, err)
			assert.Equal(t, DefaultMaxRetries, n)
		})
	}
}

func TestNextRetryTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	next, err := f.engine.NextRetryTime(ctx, msgID, rcpt, dsn("4.4.1"))
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(30*time.Minute), next)

	for i := 0; i < 3; i++ {
		_, err := f.engine.RecordRetry(ctx, msgID, rcpt)
		require.NoError(t, err)
	}
	next, err = f.engine.NextRetryTime(ctx, msgID, rcpt, dsn("4.4.1"))
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(4*time.Hour), next)

	for i := 0; i < 50; i++ {
		_, err := f.engine.RecordRetry(ctx, msgID, rcpt)
		require.NoError(t, err)
	}
	next, err = f.engine.NextRetryTime(ctx, msgID, rcpt, dsn("4.4.1"))
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(24*time.Hour), next)
}

func TestCleanupOldEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for rcpt, until := range map[string]time.Time{
		"past@example.com":   f.now.Add(-time.Second),
		"now@example.com":    f.now,
		"future@example.com": f.now.Add(time.Second),
	} {
		require.NoError(t, f.mem.Put(ctx, store.SuppressionEntry{Recipient: rcpt, SuppressedUntil: until, Reason: "test"}))
	}
	for i := 0; i < 3; i++ {
		_, err := f.engine.RecordRetry(ctx, msgID, "past@example.com")
		require.NoError(t, err)
	}

	n, err := f.engine.CleanupOldEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, _ := f.mem.Get(ctx, "past@example.com")
	assert.Nil(t, gone)
	kept, _ := f.mem.Get(ctx, "now@example.com")
	assert.NotNil(t, kept)
	kept, _ = f.mem.Get(ctx, "future@example.com")
	assert.NotNil(t, kept)

	count, err := f.mem.Attempts().Get(ctx, msgID, "past@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SuppressionsSwept))
}

var errDown = errors.New("connection refused")

type downSuppressions struct{}

func (downSuppressions) Get(context.Context, string) (*store.SuppressionEntry, error) {
	return nil, store.Wrap("get", errDown)
}
func (downSuppressions) Put(context.Context, store.SuppressionEntry) error {
	return store.Wrap("put", errDown)
}
func (downSuppressions) RemoveExpired(context.Context, time.Time) (int, error) {
	return 0, store.Wrap("remove_expired", errDown)
}
func (downSuppressions) Delete(context.Context, string) error { return store.Wrap("delete", errDown) }

type downAttempts struct{}

func (downAttempts) Get(context.Context, string, string) (int, error) {
	return 0, errDown
}
func (downAttempts) Increment(context.Context, string, string) (int, error) {
	return 0, errDown
}
func (downAttempts) CompareAndIncrement(context.Context, string, string, int) (int, bool, error) {
	return 0, false, errDown
}

func TestStoreFailuresPropagate(t *testing.T) {
	ctx := context.Background()
	m, _ := metrics.NewForTest()

	t.Run("suppression store down", func(t *testing.T) {
		e, err := NewEngine(downSuppressions{}, store.NewMemory().Attempts(), nil, WithMetrics(m))
		require.NoError(t, err)

		ok, err := e.ShouldRetry(ctx, msgID, rcpt, dsn("4.2.1"))
		assert.False(t, ok)
		assert.ErrorIs(t, err, errDown)
		assert.True(t, store.IsStoreError(err))

		d, err := e.Evaluate(ctx, dsn("4.2.1"))
		assert.Error(t, err)
		assert.False(t, d.Retry)

		_, err = e.CleanupOldEntries(ctx)
		assert.True(t, store.IsStoreError(err))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrorsTotal.WithLabelValues("remove_expired")))
	})

	t.Run("attempt store down", func(t *testing.T) {
		e, err := NewEngine(store.NewMemory(), downAttempts{}, nil, WithMetrics(m))
		require.NoError(t, err)

		_, err = e.Evaluate(ctx, dsn("4.2.1"))
		assert.True(t, store.IsStoreError(err))

		_, err = e.RecordRetry(ctx, msgID, rcpt)
		assert.ErrorIs(t, err, errDown)

		_, err = e.NextRetryTime(ctx, msgID, rcpt, dsn("4.2.1"))
		assert.True(t, store.IsStoreError(err))
	})

	t.Run("attempt store down for a suppressed recipient", func(t *testing.T) {
		sup := store.NewMemory()
		until := storetest.Base.Add(time.Hour)
		require.NoError(t, sup.Put(ctx, store.SuppressionEntry{Recipient: rcpt, SuppressedUntil: until, Reason: "abuse"}))

		e, err := NewEngine(sup, downAttempts{}, nil, WithMetrics(m),
			WithClock(func() time.Time { return storetest.Base }))
		require.NoError(t, err)

		ok, err := e.ShouldRetry(ctx, msgID, rcpt, dsn("4.2.1"))
		require.NoError(t, err)
		assert.False(t, ok)

		d, err := e.Evaluate(ctx, dsn("4.2.1"))
		require.NoError(t, err)
		assert.False(t, d.Retry)
		assert.True(t, d.Suppressed)
		assert.Equal(t, until, *d.SuppressedUntil)
	})

	t.Run("cancelled lock wait", func(t *testing.T) {
		e, err := NewEngine(store.NewMemory(), store.NewMemory().Attempts(), nil, WithMetrics(m))
		require.NoError(t, err)

		unlock, err := e.locker.Lock(ctx, lockKey(rcpt))
		require.NoError(t, err)
		defer unlock()

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = e.Evaluate(cctx, dsn("4.2.1"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestJanitor(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.mem.Put(ctx, store.SuppressionEntry{Recipient: rcpt, SuppressedUntil: f.now.Add(-time.Hour)}))

	done := make(chan struct{})
	go func() {
		NewJanitor(f.engine, 10*time.Millisecond).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(f.mem.List()) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
