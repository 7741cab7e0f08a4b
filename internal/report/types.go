// Package report turns raw bounce (DSN) and complaint (FBL/ARF) messages
// into structured records. Everything here is pure and safe for concurrent use.
package report

import (
	"strings"
	"time"
)

// Kind identifies the type of a parsed report
type Kind string

const (
	KindDelivery  Kind = "dsn"
	KindComplaint Kind = "fbl"
)

// Action is the per-recipient delivery action reported by the remote MTA
type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// ParseAction maps a raw Action field onto a known action. Unknown values are
// kept verbatim (lower-cased).
func ParseAction(s string) Action {
	return Action(strings.ToLower(strings.TrimSpace(s)))
}

// Known reports whether the action is one of the RFC 3464 actions
func (a Action) Known() bool {
	switch a {
	case ActionFailed, ActionDelayed, ActionDelivered, ActionRelayed, ActionExpanded:
		return true
	}
	return false
}

// DeliveryReport is a parsed delivery status notification for one recipient.
type DeliveryReport struct {
	MessageID      string     `json:"message_id"`
	Recipient      string     `json:"recipient"`
	Status         string     `json:"status"`
	Diagnostic     string     `json:"diagnostic"`
	Action         Action     `json:"action,omitempty"`
	LastAttempt    time.Time  `json:"last_attempt"`
	WillRetryUntil *time.Time `json:"will_retry_until,omitempty"`
	RemoteMTA      string     `json:"remote_mta,omitempty"`
	ReportingMTA   string     `json:"reporting_mta"`
}

// FeedbackType is the ARF feedback type of a complaint
type FeedbackType string

const (
	FeedbackAbuse FeedbackType = "abuse"
	FeedbackFraud FeedbackType = "fraud"
	FeedbackVirus FeedbackType = "virus"
	FeedbackOther FeedbackType = "other"
)

// ParseFeedbackType maps a raw Feedback-Type value onto a known type.
// Anything unrecognised becomes FeedbackOther.
func ParseFeedbackType(s string) FeedbackType {
	switch FeedbackType(strings.ToLower(strings.TrimSpace(s))) {
	case FeedbackAbuse:
		return FeedbackAbuse
	case FeedbackFraud:
		return FeedbackFraud
	case FeedbackVirus:
		return FeedbackVirus
	default:
		return FeedbackOther
	}
}

// RequiresAlert reports whether complaints of this type must page an administrator
func (f FeedbackType) RequiresAlert() bool {
	switch f {
	case FeedbackAbuse, FeedbackFraud:
		return true
	case FeedbackVirus, FeedbackOther:
		return false
	}
	return false
}

// ComplaintReport is a parsed feedback-loop complaint
type ComplaintReport struct {
	FeedbackType      FeedbackType `json:"feedback_type"`
	OriginalRecipient string       `json:"original_recipient"`
	ArrivalDate       time.Time    `json:"arrival_date"`
	SourceIP          string       `json:"source_ip"`
	AuthResults       string       `json:"auth_results,omitempty"`
	ReportingMTA      string       `json:"reporting_mta"`
	MessageID         string       `json:"message_id,omitempty"`
	OriginalMessage   string       `json:"-"`
}

// Parsed is the result of auto-detecting parse. Exactly one of Delivery or
// Complaint is set.
type Parsed struct {
	Kind      Kind             `json:"kind"`
	Delivery  *DeliveryReport  `json:"delivery,omitempty"`
	Complaint *ComplaintReport `json:"complaint,omitempty"`
}
