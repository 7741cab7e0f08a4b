// Package complaint reacts to feedback-loop reports: the complained-about
// recipient is suppressed, the sending IP's reputation is updated and, for
// abuse and fraud, an administrator is alerted.
package complaint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/busybox42/bounced/internal/logging"
	"github.com/busybox42/bounced/internal/metrics"
	"github.com/busybox42/bounced/internal/report"
	"github.com/busybox42/bounced/internal/store"
)

// DefaultSuppressFor is how long a complaint suppresses its recipient
const DefaultSuppressFor = 87600 * time.Hour

// ReputationSink records complaints against the IP a message was sent from
type ReputationSink interface {
	RecordComplaint(ctx context.Context, sourceIP string, feedbackType report.FeedbackType) error
}

// AlertSink notifies an administrator about a complaint
type AlertSink interface {
	Notify(ctx context.Context, r *report.ComplaintReport) error
}

// ProcessError reports collaborator failures that happened after the
// suppression was written.
type ProcessError struct {
	Reputation error
	Alert      error
}

func (e *ProcessError) Error() string {
	var parts []string
	if e.Reputation != nil {
		parts = append(parts, "reputation update: "+e.Reputation.Error())
	}
	if e.Alert != nil {
		parts = append(parts, "alert: "+e.Alert.Error())
	}
	return "complaint side effects failed: " + strings.Join(parts, "; ")
}

func (e *ProcessError) Unwrap() []error {
	var errs []error
	if e.Reputation != nil {
		errs = append(errs, e.Reputation)
	}
	if e.Alert != nil {
		errs = append(errs, e.Alert)
	}
	return errs
}

// Processor applies the side effects of a complaint
type Processor struct {
	suppressions store.SuppressionStore
	reputation   ReputationSink
	alerts       AlertSink
	suppressFor  time.Duration
	now          func() time.Time
	logger       *slog.Logger
	events       *logging.EventLogger
	metrics      *metrics.Metrics
}

// Option configures a Processor
type Option func(*Processor)

// WithSuppressFor sets the suppression window
func WithSuppressFor(d time.Duration) Option {
	return func(p *Processor) { p.suppressFor = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a processor. All three collaborators are required.
func NewProcessor(suppressions store.SuppressionStore, reputation ReputationSink, alerts AlertSink, opts ...Option) (*Processor, error) {
	if suppressions == nil || reputation == nil || alerts == nil {
		return nil, errors.New("complaint processor requires suppression store, reputation sink and alert sink")
	}
	p := &Processor{
		suppressions: suppressions,
		reputation:   reputation,
		alerts:       alerts,
		suppressFor:  DefaultSuppressFor,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.suppressFor <= 0 {
		return nil, fmt.Errorf("complaint suppression window must be positive, got %s", p.suppressFor)
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "complaint-processor")
	}
	if p.metrics == nil {
		p.metrics = metrics.New(prometheus.NewRegistry())
	}
	p.events = logging.NewEventLogger(p.logger)
	return p, nil
}

// Process suppresses the recipient, then updates reputation, then alerts
// for abuse and fraud. A suppression failure is returned as a store error
// and nothing else runs. Collaborator failures do not undo the suppression;
// they are returned together as a *ProcessError.
func (p *Processor) Process(ctx context.Context, r *report.ComplaintReport) error {
	if r == nil {
		return errors.New("nil complaint report")
	}
	p.metrics.ComplaintsTotal.WithLabelValues(string(r.FeedbackType)).Inc()

	until, err := p.suppress(ctx, r)
	if err != nil {
		return err
	}

	var pe ProcessError
	if err := p.UpdateReputation(ctx, r); err != nil {
		pe.Reputation = err
	}
	alerted := false
	if r.FeedbackType.RequiresAlert() {
		if err := p.Alert(ctx, r); err != nil {
			pe.Alert = err
		} else {
			alerted = true
		}
	}

	cc := logging.ComplaintContext{
		FeedbackType:    string(r.FeedbackType),
		Recipient:       r.OriginalRecipient,
		SourceIP:        r.SourceIP,
		ReportingMTA:    r.ReportingMTA,
		MessageID:       MessageID(r),
		SuppressedUntil: until,
		Alerted:         alerted,
	}
	if pe.Reputation != nil {
		cc.Failures = append(cc.Failures, "reputation")
	}
	if pe.Alert != nil {
		cc.Failures = append(cc.Failures, "alert")
	}
	p.events.LogComplaint(cc)

	if pe.Reputation != nil || pe.Alert != nil {
		return &pe
	}
	return nil
}

// Suppress writes the recipient's suppression entry with the feedback type
// as reason.
func (p *Processor) Suppress(ctx context.Context, r *report.ComplaintReport) error {
	_, err := p.suppress(ctx, r)
	return err
}

func (p *Processor) suppress(ctx context.Context, r *report.ComplaintReport) (time.Time, error) {
	if r.OriginalRecipient == "" {
		return time.Time{}, store.Wrap("put", store.ErrInvalidKey)
	}
	until := p.now().Add(p.suppressFor)
	err := p.suppressions.Put(ctx, store.SuppressionEntry{
		Recipient:       r.OriginalRecipient,
		SuppressedUntil: until,
		Reason:          string(r.FeedbackType),
	})
	if err != nil {
		err = store.Wrap("put", err)
		p.metrics.StoreErrorsTotal.WithLabelValues("put").Inc()
		p.logger.Error("failed to suppress complained recipient",
			"recipient", logging.Address(r.OriginalRecipient),
			"feedback_type", r.FeedbackType,
			"error", err)
		return time.Time{}, err
	}
	p.metrics.SuppressedTotal.WithLabelValues(string(r.FeedbackType)).Inc()
	return until, nil
}

// UpdateReputation makes the single reputation call for this complaint
func (p *Processor) UpdateReputation(ctx context.Context, r *report.ComplaintReport) error {
	if err := p.reputation.RecordComplaint(ctx, r.SourceIP, r.FeedbackType); err != nil {
		p.metrics.CollaboratorErrorsTotal.WithLabelValues("reputation").Inc()
		p.logger.Warn("reputation update failed",
			"source_ip", r.SourceIP,
			"feedback_type", r.FeedbackType,
			"error", err)
		return fmt.Errorf("record complaint for %s: %w", r.SourceIP, err)
	}
	return nil
}

// Alert notifies the administrator about this complaint
func (p *Processor) Alert(ctx context.Context, r *report.ComplaintReport) error {
	if err := p.alerts.Notify(ctx, r); err != nil {
		p.metrics.CollaboratorErrorsTotal.WithLabelValues("alert").Inc()
		p.logger.Warn("complaint alert failed",
			"feedback_type", r.FeedbackType,
			"recipient", logging.Address(r.OriginalRecipient),
			"error", err)
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// MessageID returns the complained-about message's identifier, recovered
// from the embedded original when the report did not carry one. It returns
// "" when nothing is recoverable.
func MessageID(r *report.ComplaintReport) string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return report.ExtractMessageID(r.OriginalMessage)
}
