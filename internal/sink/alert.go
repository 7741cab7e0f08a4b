package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/busybox42/bounced/internal/logging"
	"github.com/busybox42/bounced/internal/report"
)

// LogAlerter writes alerts to the log instead of sending them
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger.With("component", "alert-log")}
}

func (l *LogAlerter) Notify(_ context.Context, r *report.ComplaintReport) error {
	l.logger.Warn("complaint alert",
		"alert_id", uuid.NewString(),
		"feedback_type", string(r.FeedbackType),
		"recipient", logging.Address(r.OriginalRecipient),
		"source_ip", r.SourceIP,
		"reporting_mta", r.ReportingMTA)
	return nil
}

// SMTPConfig configures the mail alerter
type SMTPConfig struct {
	Addr     string // host:port of the relay
	From     string
	To       []string
	Username string
	Password string
	Timeout  time.Duration
	// StartTLS upgrades the session before authenticating
	StartTLS  bool
	TLSConfig *tls.Config // overrides the default ServerName-only config
}

// SMTPAlerter mails complaint alerts to administrators
type SMTPAlerter struct {
	config   SMTPConfig
	hostname string
	now      func() time.Time
}

// NewSMTPAlerter validates cfg and creates the alerter
func NewSMTPAlerter(cfg SMTPConfig) (*SMTPAlerter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("smtp alerter requires an address")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("smtp alerter requires from and to addresses")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &SMTPAlerter{config: cfg, hostname: hostname, now: time.Now}, nil
}

// Notify sends one alert message for r
func (a *SMTPAlerter) Notify(ctx context.Context, r *report.ComplaintReport) error {
	msg := a.compose(uuid.NewString(), r)

	dialer := net.Dialer{Timeout: a.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", a.config.Addr, err)
	}
	deadline := time.Now().Add(a.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	c, err := a.client(conn)
	if err != nil {
		return err
	}
	defer c.Close()

	if a.config.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", a.config.Username, a.config.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.Mail(a.config.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, to := range a.config.To {
		if err := c.Rcpt(to, nil); err != nil {
			return fmt.Errorf("RCPT TO %s failed: %w", to, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send alert data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	// The alert is accepted at this point
	_ = c.Quit()
	return nil
}

// client greets the relay, upgrading to TLS when configured
func (a *SMTPAlerter) client(conn net.Conn) (*smtp.Client, error) {
	if !a.config.StartTLS {
		c := smtp.NewClient(conn)
		if err := c.Hello(a.hostname); err != nil {
			c.Close()
			return nil, fmt.Errorf("EHLO failed: %w", err)
		}
		return c, nil
	}

	tlsCfg := a.config.TLSConfig
	if tlsCfg == nil {
		host, _, _ := net.SplitHostPort(a.config.Addr)
		tlsCfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	c, err := smtp.NewClientStartTLS(conn, tlsCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("STARTTLS failed: %w", err)
	}
	return c, nil
}

func (a *SMTPAlerter) compose(alertID string, r *report.ComplaintReport) []byte {
	var b bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, logging.SanitizeMessage(v))
	}

	header("From", a.config.From)
	header("To", strings.Join(a.config.To, ", "))
	header("Subject", fmt.Sprintf("[bounced] %s complaint from %s", r.FeedbackType, r.ReportingMTA))
	header("Date", a.now().Format(time.RFC1123Z))
	header("Message-ID", "<"+alertID+"@"+a.hostname+">")
	header("X-Bounced-Alert-ID", alertID)
	header("Content-Type", "text/plain; charset=utf-8")
	b.WriteString("\r\n")

	line := func(k, v string) {
		fmt.Fprintf(&b, "%-16s %s\r\n", k+":", logging.SanitizeMessage(v))
	}
	b.WriteString("A feedback-loop complaint was received and the recipient is suppressed.\r\n\r\n")
	line("Feedback type", string(r.FeedbackType))
	line("Recipient", r.OriginalRecipient)
	line("Source IP", r.SourceIP)
	line("Reporting MTA", r.ReportingMTA)
	if !r.ArrivalDate.IsZero() {
		line("Arrival date", r.ArrivalDate.Format(time.RFC3339))
	}
	if id := r.MessageID; id != "" {
		line("Message-ID", id)
	} else if id := report.ExtractMessageID(r.OriginalMessage); id != "" {
		line("Message-ID", id)
	}
	if r.AuthResults != "" {
		line("Auth results", r.AuthResults)
	}
	b.WriteString("\r\n-- \r\nbounced\r\n")
	return b.Bytes()
}
