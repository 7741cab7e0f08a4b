// Package retry decides whether a bounced recipient should be retried, and
// when, and moves recipients into suppression once retrying stops making
// sense. The engine holds no state of its own: attempt counters and
// suppression entries live in the injected stores.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/busybox42/bounced/internal/classify"
	"github.com/busybox42/bounced/internal/logging"
	"github.com/busybox42/bounced/internal/metrics"
	"github.com/busybox42/bounced/internal/report"
	"github.com/busybox42/bounced/internal/store"
)

// Decision reasons, also used as the retry_decisions metric label
const (
	ReasonRetry      = "retry"
	ReasonSuppressed = "suppressed"
	ReasonPermanent  = "permanent_failure"
	ReasonExhausted  = "retries_exhausted"
	ReasonSuccess    = "delivered"
)

// maxClaimRounds bounds how often Evaluate re-reads the counter after losing
// a compare-and-increment race before giving up.
const maxClaimRounds = 16

// ErrClaimContention is returned when Evaluate keeps losing the slot claim
var ErrClaimContention = errors.New("retry slot claim contended")

// Decision is the answer handed to the sending side for one report
type Decision struct {
	Retry          bool                    `json:"retry"`
	NextAttemptAt  *time.Time              `json:"next_attempt_at,omitempty"`
	Attempts       int                     `json:"attempts"`
	Classification classify.Classification `json:"classification"`
	// Suppressed is true when the recipient is suppressed after this
	// decision, either by an earlier entry or by one written now.
	Suppressed      bool       `json:"suppressed"`
	SuppressedUntil *time.Time `json:"suppressed_until,omitempty"`
	Reason          string     `json:"reason"`
}

// Engine applies the retry policy over the injected stores
type Engine struct {
	suppressions store.SuppressionStore
	attempts     store.AttemptStore
	locker       store.Locker
	policy       Policy
	now          func() time.Time
	logger       *slog.Logger
	events       *logging.EventLogger
	metrics      *metrics.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithPolicy overrides the default policy
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine over the given stores. A nil locker falls
// back to an in-process striped lock, which is only correct when the stores
// are not shared with other processes.
func NewEngine(suppressions store.SuppressionStore, attempts store.AttemptStore, locker store.Locker, opts ...Option) (*Engine, error) {
	if suppressions == nil || attempts == nil {
		return nil, errors.New("retry engine requires suppression and attempt stores")
	}
	e := &Engine{
		suppressions: suppressions,
		attempts:     attempts,
		locker:       locker,
		policy:       DefaultPolicy(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if e.locker == nil {
		e.locker = store.NewLocalLocker(0)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "retry-engine")
	}
	if e.metrics == nil {
		e.metrics = metrics.New(prometheus.NewRegistry())
	}
	e.events = logging.NewEventLogger(e.logger)
	return e, nil
}

// Policy returns the active policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// BackoffDelay returns min(base * 2^attempts, MaxBackoff)
func (e *Engine) BackoffDelay(base time.Duration, attempts int) time.Duration {
	return Backoff(base, attempts, e.policy.MaxBackoff)
}

// limit is the number of retries a classification allows
func (e *Engine) limit(c classify.Classification) int {
	if c.Category == classify.Temporary {
		return e.policy.MaxRetries
	}
	return 0
}

func (e *Engine) classify(r *report.DeliveryReport) classify.Classification {
	c := classify.Classify(r.Status)
	e.metrics.ClassifiedTotal.WithLabelValues(string(c.Category), string(c.SubCategory)).Inc()
	if c.Fallback {
		e.metrics.FallbacksTotal.Inc()
		e.logger.Warn("unparseable status code, using fallback classification",
			"status", r.Status,
			"message_id", r.MessageID,
			"error", c.Err)
	}
	return c
}

func (e *Engine) storeFailure(err error) error {
	err = store.Wrap("unknown", err)
	var se *store.StoreError
	if errors.As(err, &se) {
		e.metrics.StoreErrorsTotal.WithLabelValues(se.Op).Inc()
	}
	return err
}

func lockKey(recipient string) string {
	return "rcpt:" + recipient
}

// withLock runs fn while holding the recipient lock
func (e *Engine) withLock(ctx context.Context, recipient string, fn func() error) error {
	unlock, err := e.locker.Lock(ctx, lockKey(recipient))
	if err != nil {
		return e.storeFailure(store.Wrap("lock", err))
	}
	defer unlock()
	return fn()
}

// decide computes the decision for the current counter value without
// claiming a slot. A deny that carries a base delay writes the suppression.
func (e *Engine) decide(ctx context.Context, messageID, recipient string, r *report.DeliveryReport) (Decision, error) {
	now := e.now()

	entry, err := e.suppressions.Get(ctx, recipient)
	if err != nil {
		return Decision{}, e.storeFailure(err)
	}
	if entry.Active(now) {
		until := entry.SuppressedUntil
		d := Decision{Suppressed: true, SuppressedUntil: &until, Reason: ReasonSuppressed}
		// the counter is informational here; a suppressed recipient is
		// denied whether or not it can be read
		if n, err := e.attempts.Get(ctx, messageID, recipient); err == nil {
			d.Attempts = n
		} else {
			e.logger.Debug("attempt counter unavailable for suppressed recipient", "error", err)
		}
		return d, nil
	}

	attempts, err := e.attempts.Get(ctx, messageID, recipient)
	if err != nil {
		return Decision{}, e.storeFailure(err)
	}

	c := e.classify(r)
	d := Decision{Attempts: attempts, Classification: c}

	if c.ShouldRetry && attempts < e.limit(c) {
		d.Retry = true
		d.Reason = ReasonRetry
		return d, nil
	}

	switch c.Category {
	case classify.Success:
		d.Reason = ReasonSuccess
		return d, nil
	case classify.Permanent:
		d.Reason = ReasonPermanent
	default:
		d.Reason = ReasonExhausted
	}

	// The window comes from the triggering report only; earlier, harsher
	// classifications for the same key are not consulted.
	if delay := c.BaseDelay(); delay > 0 {
		until := now.Add(delay)
		if err := e.suppressions.Put(ctx, store.SuppressionEntry{
			Recipient:       recipient,
			SuppressedUntil: until,
			Reason:          d.Reason,
		}); err != nil {
			return Decision{}, e.storeFailure(err)
		}
		e.metrics.SuppressedTotal.WithLabelValues(d.Reason).Inc()
		d.Suppressed = true
		d.SuppressedUntil = &until
	}
	return d, nil
}

// ShouldRetry reports whether the sender may retry messageID to recipient.
// It does not record an attempt; call RecordRetry once the retry happened.
func (e *Engine) ShouldRetry(ctx context.Context, messageID, recipient string, r *report.DeliveryReport) (bool, error) {
	if r == nil {
		return false, errors.New("nil delivery report")
	}
	var d Decision
	err := e.withLock(ctx, recipient, func() error {
		var err error
		d, err = e.decide(ctx, messageID, recipient, r)
		return err
	})
	if err != nil {
		return false, err
	}
	e.record(messageID, recipient, r, d)
	return d.Retry, nil
}

// RecordRetry increments the attempt counter after a real retry
func (e *Engine) RecordRetry(ctx context.Context, messageID, recipient string) (int, error) {
	n, err := e.attempts.Increment(ctx, messageID, recipient)
	if err != nil {
		return 0, e.storeFailure(err)
	}
	return n, nil
}

// NextRetryTime returns now + BackoffDelay(base, attempts) for the key's
// current counter.
func (e *Engine) NextRetryTime(ctx context.Context, messageID, recipient string, r *report.DeliveryReport) (time.Time, error) {
	if r == nil {
		return time.Time{}, errors.New("nil delivery report")
	}
	attempts, err := e.attempts.Get(ctx, messageID, recipient)
	if err != nil {
		return time.Time{}, e.storeFailure(err)
	}
	c := classify.Classify(r.Status)
	return e.now().Add(e.BackoffDelay(c.BaseDelay(), attempts)), nil
}

// CleanupOldEntries removes suppression entries that expired strictly
// before now. Attempt counters are left alone.
func (e *Engine) CleanupOldEntries(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := e.suppressions.RemoveExpired(ctx, e.now())
	if err != nil {
		return 0, e.storeFailure(err)
	}
	e.metrics.SuppressionsSwept.Add(float64(n))
	e.events.LogSweep(n, time.Since(start))
	return n, nil
}

// Evaluate decides and, when a retry is granted, claims the slot in the
// same step: the counter moves from n to n+1 only if it still reads n, so
// of several concurrent reports for one key only one gets the last slot.
// A granted Evaluate counts as the recorded retry.
func (e *Engine) Evaluate(ctx context.Context, r *report.DeliveryReport) (Decision, error) {
	if r == nil {
		return Decision{}, errors.New("nil delivery report")
	}
	messageID, recipient := r.MessageID, r.Recipient
	if recipient == "" {
		return Decision{}, errors.New("delivery report has no recipient")
	}

	var d Decision
	err := e.withLock(ctx, recipient, func() error {
		for round := 0; round < maxClaimRounds; round++ {
			var err error
			d, err = e.decide(ctx, messageID, recipient, r)
			if err != nil || !d.Retry {
				return err
			}

			n, ok, err := e.attempts.CompareAndIncrement(ctx, messageID, recipient, d.Attempts)
			if err != nil {
				return e.storeFailure(err)
			}
			if ok {
				next := e.now().Add(e.BackoffDelay(d.Classification.BaseDelay(), d.Attempts))
				d.NextAttemptAt = &next
				d.Attempts = n
				return nil
			}
			e.logger.Debug("lost retry slot claim, re-evaluating",
				"message_id", messageID,
				"recipient", logging.Address(recipient),
				"seen", d.Attempts,
				"current", n)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return ErrClaimContention
	})
	if err != nil {
		return Decision{}, err
	}

	e.record(messageID, recipient, r, d)
	return d, nil
}

func (e *Engine) record(messageID, recipient string, r *report.DeliveryReport, d Decision) {
	e.metrics.DecisionsTotal.WithLabelValues(d.Reason).Inc()

	dc := logging.DecisionContext{
		MessageID:   messageID,
		Recipient:   recipient,
		Status:      r.Status,
		Category:    string(d.Classification.Category),
		SubCategory: string(d.Classification.SubCategory),
		Severity:    string(d.Classification.Severity),
		Fallback:    d.Classification.Fallback,
		Retry:       d.Retry,
		Attempts:    d.Attempts,
		Reason:      d.Reason,
	}
	if d.NextAttemptAt != nil {
		dc.NextAttempt = *d.NextAttemptAt
	}
	if d.SuppressedUntil != nil {
		dc.SuppressedUntil = *d.SuppressedUntil
	}
	e.events.LogDecision(dc)
}
