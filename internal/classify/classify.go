package classify

import "time"

// Category is the broad outcome of a delivery attempt
type Category string

const (
	Permanent Category = "permanent"
	Temporary Category = "temporary"
	Success   Category = "success"
)

// SubCategory is derived from the subject digit of the status code
type SubCategory string

const (
	Mailbox  SubCategory = "mailbox"
	System   SubCategory = "system"
	Network  SubCategory = "network"
	Protocol SubCategory = "protocol"
	Content  SubCategory = "content"
	Security SubCategory = "security"
)

// Severity ranks how strongly a result should affect sending
type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// Suppression windows for permanent failures.
const (
	SuppressMailboxNotFound = 30 * 24 * time.Hour
	SuppressMailboxFull     = 7 * 24 * time.Hour
	SuppressSecurity        = 24 * time.Hour
	SuppressDefault         = 3 * 24 * time.Hour
)

// Retry delays for temporary failures.
const (
	DelaySystem   = 5 * time.Minute
	DelayNetwork  = 15 * time.Minute
	DelayProtocol = 30 * time.Minute
	DelayDefault  = 10 * time.Minute
)

// Classification is the derived verdict for one status code. It is never
// persisted; callers recompute it from the report.
type Classification struct {
	Code        string        `json:"code"`
	Category    Category      `json:"category"`
	SubCategory SubCategory   `json:"sub_category"`
	Severity    Severity      `json:"severity"`
	ShouldRetry bool          `json:"should_retry"`
	SuppressFor time.Duration `json:"suppress_for,omitempty"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
	// Fallback is set when the code could not be parsed and the
	// conservative temporary default was applied.
	Fallback bool  `json:"fallback,omitempty"`
	Err      error `json:"-"`
}

// BaseDelay is the duration used for backoff and for suppression once
// retries are exhausted: the retry delay for temporary codes, the
// suppression window for permanent ones, zero for success.
func (c Classification) BaseDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return c.SuppressFor
}

// Classify maps an enhanced status code to a Classification. It is defined
// for every input; unparseable codes yield the documented fallback.
func Classify(code string) Classification {
	sc, err := ParseStatusCode(code)
	if err != nil {
		return fallback(code, err)
	}
	return ClassifyCode(sc)
}

// ClassifyCode classifies an already parsed status code.
func ClassifyCode(sc StatusCode) Classification {
	sub := subCategory(sc.Subject)
	c := Classification{
		Code:        sc.String(),
		SubCategory: sub,
		Severity:    severity(sub, sc),
	}

	switch sc.Class {
	case 5:
		c.Category = Permanent
		c.SuppressFor = suppressionWindow(sc)
	case 4:
		c.Category = Temporary
		c.ShouldRetry = true
		c.RetryDelay = retryDelay(sc)
	case 2:
		c.Category = Success
	default:
		return fallback(sc.String(), &MalformedCodeError{Code: sc.String(), Reason: "unknown class"})
	}
	return c
}

func fallback(code string, err error) Classification {
	return Classification{
		Code:        code,
		Category:    Temporary,
		SubCategory: System,
		Severity:    Low,
		ShouldRetry: true,
		RetryDelay:  DelayDefault,
		Fallback:    true,
		Err:         err,
	}
}

func suppressionWindow(sc StatusCode) time.Duration {
	switch {
	case sc.Subject == 1 && sc.Detail == 1:
		return SuppressMailboxNotFound
	case sc.Subject == 1 && sc.Detail == 2:
		return SuppressMailboxFull
	case sc.Subject == 7:
		return SuppressSecurity
	default:
		return SuppressDefault
	}
}

func retryDelay(sc StatusCode) time.Duration {
	switch sc.Subject {
	case 2:
		return DelaySystem
	case 3:
		return DelayNetwork
	case 4:
		return DelayProtocol
	default:
		return DelayDefault
	}
}

func subCategory(subject int) SubCategory {
	switch subject {
	case 1:
		return Mailbox
	case 2:
		return System
	case 3:
		return Network
	case 4, 5:
		return Protocol
	case 6:
		return Content
	case 7:
		return Security
	default:
		return System
	}
}

func severity(sub SubCategory, sc StatusCode) Severity {
	switch sub {
	case Security:
		return High
	case Mailbox:
		if sc.Subject == 1 && sc.Detail == 1 {
			return High
		}
		return Low
	case System, Network:
		return Medium
	case Protocol, Content:
		return Low
	}
	return Low
}
