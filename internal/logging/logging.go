// Package logging configures the process-wide slog logger and provides the
// sanitizing helpers used when report content reaches a log line.
package logging

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

// Config controls the global logger
type Config struct {
	Level  string
	Format string // json or text
	File   string // optional, tee'd with stdout
	// RedactAddresses replaces recipient local parts with a fingerprint
	RedactAddresses bool
}

// SanitizeMessage normalizes a value to a single line and removes
// control characters that can be used for log injection. Report fields are
// attacker-controlled, so every string attribute passes through here.
func SanitizeMessage(msg string) string {
	// Replace CR/LF with spaces to avoid multi-line injection
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	// Drop other control characters except tab
	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

const redacted = "***REDACTED***"

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
	"dsn",
}

// IsSensitive reports whether values logged under key must be redacted
func IsSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(keyLower, sk) {
			return true
		}
	}
	return false
}

// Redact is a slog ReplaceAttr hook: it hides sensitive values and
// flattens string values to one line.
func Redact(_ []string, a slog.Attr) slog.Attr {
	if IsSensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, SanitizeMessage(a.Value.String()))
	}
	return a
}

var redactAddresses atomic.Bool

// SetRedactAddresses toggles address fingerprinting in Address
func SetRedactAddresses(on bool) {
	redactAddresses.Store(on)
}

// Address returns addr as it should appear in logs. With redaction on, the
// local part is replaced by a short BLAKE2b fingerprint so the same
// recipient still correlates across log lines.
func Address(addr string) string {
	if !redactAddresses.Load() || addr == "" {
		return addr
	}
	sum := blake2b.Sum256([]byte(strings.ToLower(addr)))
	fp := hex.EncodeToString(sum[:6])
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		return fp + addr[at:]
	}
	return fp
}

// LogLevelManager manages runtime log level adjustment
type LogLevelManager struct {
	level slog.LevelVar
	mu    sync.Mutex
}

var globalLogLevelManager = &LogLevelManager{}

// GetLogLevelManager returns the global log level manager
func GetLogLevelManager() *LogLevelManager {
	return globalLogLevelManager
}

// SetLevel sets the current log level
func (m *LogLevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LogLevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// Leveler exposes the dynamic level for handler options
func (m *LogLevelManager) Leveler() slog.Leveler {
	return &m.level
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds the handler Initialize installs, writing to w
func NewHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level:       globalLogLevelManager.Leveler(),
		ReplaceAttr: Redact,
	}
	switch strings.ToLower(format) {
	case "json", "":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// Initialize installs the global logger. The returned closer releases the
// log file, if any; it is never nil.
func Initialize(cfg Config) (io.Closer, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		return io.NopCloser(nil), fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	globalLogLevelManager.SetLevel(level)
	SetRedactAddresses(cfg.RedactAddresses)

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return closer, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return closer, fmt.Errorf("failed to open log file: %w", err)
		}
		// Write to both stdout and file
		out = io.MultiWriter(os.Stdout, logFile)
		closer = logFile
	}

	handler, err := NewHandler(out, cfg.Format)
	if err != nil {
		closer.Close()
		return io.NopCloser(nil), err
	}
	slog.SetDefault(slog.New(handler))

	slog.Debug("logging initialized",
		"log_level", LevelToString(level),
		"log_file", cfg.File,
		"redact_addresses", cfg.RedactAddresses)
	return closer, nil
}
