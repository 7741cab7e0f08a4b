// Package pipeline is the entry point for feedback reports: it routes parsed
// bounces to the retry engine and complaints to the complaint processor, and
// exposes the operator actions on the suppression list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/busybox42/bounced/internal/complaint"
	"github.com/busybox42/bounced/internal/logging"
	"github.com/busybox42/bounced/internal/metrics"
	"github.com/busybox42/bounced/internal/report"
	"github.com/busybox42/bounced/internal/retry"
	"github.com/busybox42/bounced/internal/store"
)

// Outcome is what happened to one ingested report. Kind is empty only when
// the report could not be parsed.
type Outcome struct {
	Kind      report.Kind             `json:"kind"`
	Delivery  *report.DeliveryReport  `json:"delivery,omitempty"`
	Decision  *retry.Decision         `json:"decision,omitempty"`
	Complaint *report.ComplaintReport `json:"complaint,omitempty"`
}

// Pipeline wires the engine and the complaint processor over one
// suppression store.
type Pipeline struct {
	engine       *retry.Engine
	complaints   *complaint.Processor
	suppressions store.SuppressionStore
	metrics      *metrics.Metrics
	logger       *slog.Logger
	events       *logging.EventLogger
}

// Option configures a Pipeline
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline. suppressions must be the store the engine and
// processor write to.
func New(engine *retry.Engine, complaints *complaint.Processor, suppressions store.SuppressionStore, opts ...Option) (*Pipeline, error) {
	if engine == nil || complaints == nil || suppressions == nil {
		return nil, errors.New("pipeline requires engine, complaint processor and suppression store")
	}
	p := &Pipeline{
		engine:       engine,
		complaints:   complaints,
		suppressions: suppressions,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "pipeline")
	}
	if p.metrics == nil {
		p.metrics = metrics.New(prometheus.NewRegistry())
	}
	p.events = logging.NewEventLogger(p.logger)
	return p, nil
}

// Engine returns the retry engine, for callers that need ShouldRetry or
// a Janitor
func (p *Pipeline) Engine() *retry.Engine {
	return p.engine
}

// Evaluate decides the retry outcome for one delivery report
func (p *Pipeline) Evaluate(ctx context.Context, r *report.DeliveryReport) (retry.Decision, error) {
	var d retry.Decision
	err := p.metrics.TrackReport(string(report.KindDelivery), func() error {
		var err error
		d, err = p.engine.Evaluate(ctx, r)
		return err
	})
	return d, err
}

// ProcessComplaint applies one complaint. A *complaint.ProcessError means the
// suppression was written but a side effect failed.
func (p *Pipeline) ProcessComplaint(ctx context.Context, r *report.ComplaintReport) error {
	return p.metrics.TrackReport(string(report.KindComplaint), func() error {
		return p.complaints.Process(ctx, r)
	})
}

// Ingest parses a raw report and routes it by kind. After a successful
// parse the returned Outcome carries the report even if processing failed.
func (p *Pipeline) Ingest(ctx context.Context, raw string) (Outcome, error) {
	parsed, err := report.Parse(raw)
	if err != nil {
		p.metrics.ReportsTotal.WithLabelValues("unknown", "parse_error").Inc()
		return Outcome{}, fmt.Errorf("parsing report: %w", err)
	}

	switch parsed.Kind {
	case report.KindDelivery:
		out := Outcome{Kind: parsed.Kind, Delivery: parsed.Delivery}
		d, err := p.Evaluate(ctx, parsed.Delivery)
		if err != nil {
			return out, err
		}
		out.Decision = &d
		return out, nil
	case report.KindComplaint:
		out := Outcome{Kind: parsed.Kind, Complaint: parsed.Complaint}
		return out, p.ProcessComplaint(ctx, parsed.Complaint)
	}
	return Outcome{}, fmt.Errorf("unsupported report kind %q", parsed.Kind)
}

// IngestMIME decodes a multipart/report bounce and evaluates every
// recipient in it. A failing recipient does not stop the others; their
// errors are joined.
func (p *Pipeline) IngestMIME(ctx context.Context, raw []byte) ([]Outcome, error) {
	reports, err := report.DecodeMIME(raw)
	if err != nil {
		p.metrics.ReportsTotal.WithLabelValues("unknown", "parse_error").Inc()
		return nil, fmt.Errorf("decoding MIME report: %w", err)
	}

	outcomes := make([]Outcome, 0, len(reports))
	var errs []error
	for _, r := range reports {
		out := Outcome{Kind: report.KindDelivery, Delivery: r}
		d, err := p.Evaluate(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", logging.Address(r.Recipient), err))
		} else {
			out.Decision = &d
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

// Suppression returns the recipient's suppression entry, or nil
func (p *Pipeline) Suppression(ctx context.Context, recipient string) (*store.SuppressionEntry, error) {
	recipient = report.NormalizeAddress(recipient)
	if recipient == "" {
		return nil, store.Wrap("get", store.ErrInvalidKey)
	}
	e, err := p.suppressions.Get(ctx, recipient)
	return e, store.Wrap("get", err)
}

// Unsuppress removes the recipient's suppression entry. It reports false
// when there was nothing to remove. Attempt counters are kept.
func (p *Pipeline) Unsuppress(ctx context.Context, recipient string) (bool, error) {
	e, err := p.Suppression(ctx, recipient)
	if err != nil || e == nil {
		return false, err
	}
	if err := p.suppressions.Delete(ctx, e.Recipient); err != nil {
		return false, store.Wrap("delete", err)
	}
	p.metrics.Unsuppressed.Inc()
	p.events.LogUnsuppress(e.Recipient)
	return true, nil
}

// Cleanup removes expired suppression entries
func (p *Pipeline) Cleanup(ctx context.Context) (int, error) {
	return p.engine.CleanupOldEntries(ctx)
}
