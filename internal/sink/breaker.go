package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/busybox42/bounced/internal/complaint"
	"github.com/busybox42/bounced/internal/report"
)

// BreakerConfig configures a circuit breaker around a collaborator
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns settings tuned for slow external sinks
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker stops calling a failing collaborator for a while so complaint
// processing is not slowed by a dead backend.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(config BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	threshold := config.FailureThreshold

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("collaborator circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{cb: cb}
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name
func (b *Breaker) State() string {
	return b.cb.State().String()
}

type breakingReputation struct {
	next    complaint.ReputationSink
	breaker *Breaker
}

// WrapReputation guards s with b
func WrapReputation(s complaint.ReputationSink, b *Breaker) complaint.ReputationSink {
	return &breakingReputation{next: s, breaker: b}
}

func (r *breakingReputation) RecordComplaint(ctx context.Context, sourceIP string, feedbackType report.FeedbackType) error {
	return r.breaker.Execute(func() error {
		return r.next.RecordComplaint(ctx, sourceIP, feedbackType)
	})
}

type breakingAlerts struct {
	next    complaint.AlertSink
	breaker *Breaker
}

// WrapAlerts guards s with b
func WrapAlerts(s complaint.AlertSink, b *Breaker) complaint.AlertSink {
	return &breakingAlerts{next: s, breaker: b}
}

func (a *breakingAlerts) Notify(ctx context.Context, r *report.ComplaintReport) error {
	return a.breaker.Execute(func() error {
		return a.next.Notify(ctx, r)
	})
}
