package logging

import (
	"log/slog"
	"time"
)

// EventLogger provides structured logging for report lifecycle events
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates a new event logger
func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{
		logger: logger.With("component", "report-lifecycle"),
	}
}

// DecisionContext contains all context about a retry decision for logging
type DecisionContext struct {
	MessageID       string
	Recipient       string
	Status          string
	Category        string
	SubCategory     string
	Severity        string
	Fallback        bool
	Retry           bool
	Attempts        int
	NextAttempt     time.Time
	Reason          string
	SuppressedUntil time.Time
}

// LogDecision logs a retry or suppression decision for one delivery report
func (el *EventLogger) LogDecision(ctx DecisionContext) {
	fields := []any{
		"message_id", ctx.MessageID,
		"recipient", Address(ctx.Recipient),
		"status", ctx.Status,
		"category", ctx.Category,
		"sub_category", ctx.SubCategory,
		"severity", ctx.Severity,
		"attempts", ctx.Attempts,
		"reason", ctx.Reason,
	}
	if ctx.Fallback {
		fields = append(fields, "fallback", true)
	}

	switch {
	case ctx.Retry:
		fields = append(fields,
			"event_type", "retry",
			"next_attempt", ctx.NextAttempt.Format(time.RFC3339),
			"next_attempt_in_seconds", int(time.Until(ctx.NextAttempt).Seconds()),
		)
		el.logger.Info("report_retry", fields...)
	case !ctx.SuppressedUntil.IsZero():
		fields = append(fields,
			"event_type", "suppression",
			"suppressed_until", ctx.SuppressedUntil.Format(time.RFC3339),
		)
		el.logger.Warn("report_suppression", fields...)
	default:
		fields = append(fields, "event_type", "no_retry")
		el.logger.Info("report_no_retry", fields...)
	}
}

// ComplaintContext contains the context of a processed complaint
type ComplaintContext struct {
	FeedbackType    string
	Recipient       string
	SourceIP        string
	ReportingMTA    string
	MessageID       string
	SuppressedUntil time.Time
	Alerted         bool
	Failures        []string
}

// LogComplaint logs a processed feedback-loop complaint
func (el *EventLogger) LogComplaint(ctx ComplaintContext) {
	fields := []any{
		"event_type", "complaint",
		"feedback_type", ctx.FeedbackType,
		"recipient", Address(ctx.Recipient),
		"source_ip", ctx.SourceIP,
		"reporting_mta", ctx.ReportingMTA,
		"message_id", ctx.MessageID,
		"suppressed_until", ctx.SuppressedUntil.Format(time.RFC3339),
		"alerted", ctx.Alerted,
	}
	if len(ctx.Failures) > 0 {
		fields = append(fields, "failures", ctx.Failures)
		el.logger.Warn("report_complaint", fields...)
		return
	}
	el.logger.Info("report_complaint", fields...)
}

// LogSweep logs one cleanup pass over the suppression store
func (el *EventLogger) LogSweep(removed int, took time.Duration) {
	el.logger.Info("suppression_sweep",
		"event_type", "sweep",
		"removed", removed,
		"duration_ms", took.Milliseconds(),
	)
}

// LogUnsuppress logs a manual suppression removal
func (el *EventLogger) LogUnsuppress(recipient string) {
	el.logger.Info("suppression_removed",
		"event_type", "unsuppress",
		"recipient", Address(recipient),
	)
}
