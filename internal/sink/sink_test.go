package sink

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/emersion/go-smtp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/bounced/internal/report"
)

func complaintReport() *report.ComplaintReport {
	return &report.ComplaintReport{
		FeedbackType:      report.FeedbackAbuse,
		OriginalRecipient: "x@y.com",
		SourceIP:          "192.0.2.1",
		ReportingMTA:      "fbl.example.net",
		ArrivalDate:       time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
		OriginalMessage:   "Message-ID: <orig@example.org>\n\nbody",
	}
}

func TestLogSinks(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, NewLogReputation(nil).RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse))
	assert.NoError(t, NewLogAlerter(nil).Notify(ctx, complaintReport()))
}

func TestRedisReputation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	rep := NewRedisReputation(client, "test:")

	require.NoError(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse))
	require.NoError(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse))
	require.NoError(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackFraud))
	require.NoError(t, rep.RecordComplaint(ctx, "198.51.100.7", report.FeedbackOther))

	counts, err := rep.Counts(ctx, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["abuse"])
	assert.Equal(t, int64(1), counts["fraud"])
	assert.Equal(t, int64(3), counts[TotalField])
	assert.True(t, mr.Exists("test:reputation:192.0.2.1"))

	worst, err := rep.Worst(ctx, 1)
	require.NoError(t, err)
	require.Len(t, worst, 1)
	assert.Equal(t, "192.0.2.1", worst[0].Member)
	assert.Equal(t, 3.0, worst[0].Score)

	assert.Error(t, rep.RecordComplaint(ctx, "", report.FeedbackAbuse))

	mr.Close()
	assert.Error(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse))
}

func TestValkeyReputation(t *testing.T) {
	mr := miniredis.RunT(t)

	rep, err := NewValkeyReputation(mr.Addr(), "test:", WithValkeyClock(func() time.Time {
		return time.Date(2024, 2, 1, 12, 30, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Skipf("Valkey client cannot talk to the test server: %v", err)
	}
	defer rep.Close()

	ctx := context.Background()
	if err := rep.client.Do(ctx, rep.client.B().Ping().Build()).Error(); err != nil {
		t.Skipf("Valkey client cannot talk to the test server: %v", err)
	}
	require.NoError(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse))
	require.NoError(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackVirus))

	n, err := rep.Count(ctx, "192.0.2.1", TotalField)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = rep.Count(ctx, "203.0.113.9", TotalField)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.True(t, mr.Exists("test:reputation:hourly:2024-02-01:12:192.0.2.1"))

	recent, err := rep.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "virus", recent[0].FeedbackType)
}

type captured struct {
	mu   sync.Mutex
	from string
	to   []string
	data string
}

type testBackend struct{ c *captured }

func (b *testBackend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &testSession{c: b.c}, nil
}

type testSession struct{ c *captured }

func (s *testSession) Reset()        {}
func (s *testSession) Logout() error { return nil }

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.to = append(s.c.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.data = string(b)
	return nil
}

func startSMTP(t *testing.T) (string, *captured) {
	return startSMTPWithTLS(t, nil)
}

func startSMTPWithTLS(t *testing.T, tlsCfg *tls.Config) (string, *captured) {
	t.Helper()
	c := &captured{}
	s := smtp.NewServer(&testBackend{c: c})
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.TLSConfig = tlsCfg

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })
	return l.Addr().String(), c
}

func TestSMTPAlerter(t *testing.T) {
	addr, got := startSMTP(t)

	a, err := NewSMTPAlerter(SMTPConfig{
		Addr: addr,
		From: "bounced@example.org",
		To:   []string{"postmaster@example.org", "abuse@example.org"},
	})
	require.NoError(t, err)

	require.NoError(t, a.Notify(context.Background(), complaintReport()))

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "bounced@example.org", got.from)
	assert.Equal(t, []string{"postmaster@example.org", "abuse@example.org"}, got.to)
	assert.Contains(t, got.data, "Subject: [bounced] abuse complaint from fbl.example.net")
	assert.Contains(t, got.data, "X-Bounced-Alert-ID: ")
	assert.Contains(t, got.data, "192.0.2.1")
	assert.Contains(t, got.data, "orig@example.org")
}

// selfSignedTLS returns a server config for 127.0.0.1 and a pool trusting it
func selfSignedTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bounced test relay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
	}, pool
}

func TestSMTPAlerterStartTLS(t *testing.T) {
	serverTLS, roots := selfSignedTLS(t)
	addr, got := startSMTPWithTLS(t, serverTLS)

	t.Run("upgrades before sending", func(t *testing.T) {
		a, err := NewSMTPAlerter(SMTPConfig{
			Addr:      addr,
			From:      "bounced@example.org",
			To:        []string{"postmaster@example.org"},
			StartTLS:  true,
			TLSConfig: &tls.Config{RootCAs: roots, ServerName: "127.0.0.1"},
		})
		require.NoError(t, err)
		require.NoError(t, a.Notify(context.Background(), complaintReport()))

		got.mu.Lock()
		defer got.mu.Unlock()
		assert.Equal(t, "bounced@example.org", got.from)
		assert.Contains(t, got.data, "X-Bounced-Alert-ID: ")
	})

	t.Run("untrusted certificate fails", func(t *testing.T) {
		a, err := NewSMTPAlerter(SMTPConfig{
			Addr:     addr,
			From:     "bounced@example.org",
			To:       []string{"postmaster@example.org"},
			StartTLS: true,
			Timeout:  5 * time.Second,
		})
		require.NoError(t, err)
		err = a.Notify(context.Background(), complaintReport())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "STARTTLS failed")
	})

	t.Run("relay without STARTTLS fails", func(t *testing.T) {
		plain, _ := startSMTP(t)
		a, err := NewSMTPAlerter(SMTPConfig{
			Addr:     plain,
			From:     "bounced@example.org",
			To:       []string{"postmaster@example.org"},
			StartTLS: true,
			Timeout:  5 * time.Second,
		})
		require.NoError(t, err)
		assert.Error(t, a.Notify(context.Background(), complaintReport()))
	})
}

func TestSMTPAlerterErrors(t *testing.T) {
	_, err := NewSMTPAlerter(SMTPConfig{From: "a@b"})
	assert.Error(t, err)
	_, err = NewSMTPAlerter(SMTPConfig{Addr: "127.0.0.1:25"})
	assert.Error(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	a, err := NewSMTPAlerter(SMTPConfig{Addr: addr, From: "a@example.org", To: []string{"b@example.org"}, Timeout: time.Second})
	require.NoError(t, err)
	assert.Error(t, a.Notify(context.Background(), complaintReport()))
}

func TestComposeSanitizesHeaders(t *testing.T) {
	a, err := NewSMTPAlerter(SMTPConfig{Addr: "127.0.0.1:25", From: "a@example.org", To: []string{"b@example.org"}})
	require.NoError(t, err)

	r := complaintReport()
	r.ReportingMTA = "evil\r\nBcc: victim@example.com"
	msg := string(a.compose("id-1", r))

	headers := msg[:strings.Index(msg, "\r\n\r\n")]
	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), line)
	}
}

type flakySink struct {
	calls int
	err   error
}

func (f *flakySink) RecordComplaint(context.Context, string, report.FeedbackType) error {
	f.calls++
	return f.err
}

func (f *flakySink) Notify(context.Context, *report.ComplaintReport) error {
	f.calls++
	return f.err
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultBreakerConfig("test")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour

	t.Run("opens after consecutive failures", func(t *testing.T) {
		inner := &flakySink{err: errors.New("down")}
		rep := WrapReputation(inner, NewBreaker(cfg, nil))

		for i := 0; i < 3; i++ {
			assert.Error(t, rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse))
		}
		err := rep.RecordComplaint(ctx, "192.0.2.1", report.FeedbackAbuse)
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, 3, inner.calls)
	})

	t.Run("passes through while closed", func(t *testing.T) {
		inner := &flakySink{}
		b := NewBreaker(cfg, nil)
		alerts := WrapAlerts(inner, b)
		for i := 0; i < 10; i++ {
			require.NoError(t, alerts.Notify(ctx, complaintReport()))
		}
		assert.Equal(t, 10, inner.calls)
		assert.Equal(t, "closed", b.State())
	})
}
