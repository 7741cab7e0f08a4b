package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// maxBackoffCeiling bounds retry.max_backoff
const maxBackoffCeiling = 24 * time.Hour

// Duration is a time.Duration written as a Go duration string ("24h")
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Store backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendMySQL     = "mysql"
	BackendPostgres  = "postgres"
	BackendMemcached = "memcached"
	BackendLog       = "log"
	BackendValkey    = "valkey"
	BackendSMTP      = "smtp"
)

// Config represents the application configuration
type Config struct {
	Logging struct {
		Level           string `toml:"level"`
		Format          string `toml:"format"`
		File            string `toml:"file"`
		RedactAddresses bool   `toml:"redact_addresses"`
	} `toml:"logging"`

	// Store selects where suppressions and attempt counters live
	Store struct {
		Backend string `toml:"backend"`
		// Attempts overrides the counter backend; empty uses Backend
		Attempts         string   `toml:"attempts"`
		RedisAddr        string   `toml:"redis_addr"`
		RedisPassword    string   `toml:"redis_password"`
		RedisDB          int      `toml:"redis_db"`
		KeyPrefix        string   `toml:"key_prefix"`
		DSN              string   `toml:"dsn"`
		MemcachedServers []string `toml:"memcached_servers"`
		AttemptTTL       Duration `toml:"attempt_ttl"`
	} `toml:"store"`

	Retry struct {
		MaxRetries      int      `toml:"max_retries"`
		MaxBackoff      Duration `toml:"max_backoff"`
		CleanupInterval Duration `toml:"cleanup_interval"`
	} `toml:"retry"`

	Complaint struct {
		SuppressFor Duration `toml:"suppress_for"`
	} `toml:"complaint"`

	Reputation struct {
		Backend   string `toml:"backend"`
		Addr      string `toml:"addr"`
		KeyPrefix string `toml:"key_prefix"`
	} `toml:"reputation"`

	Alert struct {
		Backend  string   `toml:"backend"`
		SMTPAddr string   `toml:"smtp_addr"`
		From     string   `toml:"from"`
		To       []string `toml:"to"`
		Username string   `toml:"username"`
		Password string   `toml:"password"`
		StartTLS bool     `toml:"starttls"`
	} `toml:"alert"`

	// Breaker guards the reputation and alert backends
	Breaker struct {
		MaxRequests      uint32   `toml:"max_requests"`
		Interval         Duration `toml:"interval"`
		Timeout          Duration `toml:"timeout"`
		FailureThreshold uint32   `toml:"failure_threshold"`
	} `toml:"breaker"`

	Ingest struct {
		Workers int `toml:"workers"`
		// MaxReportSize caps each input file read by the CLI, in bytes
		MaxReportSize int64 `toml:"max_report_size"`
	} `toml:"ingest"`

	Metrics struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"metrics"`

	// API rate-limits the ops listener per client address
	API struct {
		RateLimit      float64  `toml:"rate_limit"` // requests per second per client, 0 disables
		Burst          int      `toml:"burst"`
		TrustedProxies []string `toml:"trusted_proxies"`
	} `toml:"api"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Store.Backend = BackendMemory
	cfg.Store.RedisAddr = "localhost:6379"
	cfg.Store.KeyPrefix = "bounced:"

	cfg.Retry.MaxRetries = 5
	cfg.Retry.MaxBackoff = Duration{24 * time.Hour}
	cfg.Retry.CleanupInterval = Duration{time.Hour}

	cfg.Complaint.SuppressFor = Duration{87600 * time.Hour}

	cfg.Reputation.Backend = BackendLog
	cfg.Reputation.KeyPrefix = "bounced:"

	cfg.Alert.Backend = BackendLog

	cfg.Breaker.MaxRequests = 1
	cfg.Breaker.Interval = Duration{time.Minute}
	cfg.Breaker.Timeout = Duration{30 * time.Second}
	cfg.Breaker.FailureThreshold = 5

	cfg.Ingest.Workers = 4
	cfg.Ingest.MaxReportSize = 10 * 1024 * 1024

	cfg.Metrics.ListenAddr = ":9464"

	cfg.API.RateLimit = 10
	cfg.API.Burst = 20

	return cfg
}

// ErrNoConfigFile is returned by FindConfigFile when no location has a file
var ErrNoConfigFile = errors.New("no config file found")

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./bounced.toml",
		"./config/bounced.toml",
		"/etc/bounced/bounced.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", ErrNoConfigFile
}

// LoadConfig loads the configuration from configPath, or from the first
// default location. With no file anywhere the defaults are used. Environment
// overrides are applied last, then the result is validated.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	securityValidator := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	switch {
	case errors.Is(err, ErrNoConfigFile):
		// defaults only
	case err != nil:
		return nil, err
	default:
		if err := securityValidator.ValidateConfigFileSize(configFile); err != nil {
			return nil, fmt.Errorf("config file security validation failed: %w", err)
		}
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	validationResult := cfg.Validate()
	if !validationResult.Valid {
		var errorMessages []string
		for _, err := range validationResult.Errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errorMessages, "; "))
	}

	return cfg, nil
}

// ApplyEnv overrides settings from BOUNCED_* variables, mainly so secrets
// stay out of the config file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BOUNCED_LOG_LEVEL":       &c.Logging.Level,
		"BOUNCED_STORE_BACKEND":   &c.Store.Backend,
		"BOUNCED_STORE_DSN":       &c.Store.DSN,
		"BOUNCED_REDIS_ADDR":      &c.Store.RedisAddr,
		"BOUNCED_REDIS_PASSWORD":  &c.Store.RedisPassword,
		"BOUNCED_REPUTATION_ADDR": &c.Reputation.Addr,
		"BOUNCED_SMTP_ADDR":       &c.Alert.SMTPAddr,
		"BOUNCED_SMTP_USERNAME":   &c.Alert.Username,
		"BOUNCED_SMTP_PASSWORD":   &c.Alert.Password,
		"BOUNCED_METRICS_LISTEN":  &c.Metrics.ListenAddr,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("BOUNCED_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOUNCED_REDIS_DB: %w", err)
		}
		c.Store.RedisDB = n
	}
	if v, ok := lookup("BOUNCED_MEMCACHED_SERVERS"); ok {
		c.Store.MemcachedServers = splitList(v)
	}
	if v, ok := lookup("BOUNCED_ALERT_TO"); ok {
		c.Alert.To = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AttemptsBackend returns the backend used for attempt counters
func (c *Config) AttemptsBackend() string {
	if c.Store.Attempts != "" {
		return c.Store.Attempts
	}
	return c.Store.Backend
}

// Redacted returns a copy with secrets masked, for display
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s *string) {
		if *s != "" {
			*s = "***REDACTED***"
		}
	}
	mask(&cp.Store.RedisPassword)
	mask(&cp.Store.DSN)
	mask(&cp.Alert.Password)
	return &cp
}

// Marshal renders the configuration as TOML
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// SaveConfig saves the configuration to a file in TOML format
func (c *Config) SaveConfig(configPath string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	content := append([]byte("# bounced configuration\n\n"), data...)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold credentials
	if err := os.WriteFile(configPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateLogging(result, sv)
	c.validateStore(result, sv)
	c.validateRetry(result)
	c.validateComplaint(result)
	c.validateReputation(result, sv)
	c.validateAlert(result, sv)
	c.validateIngest(result, sv)

	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		result.AddError("api.rate_limit", c.API.RateLimit, "rate limit and burst must not be negative")
	}
	for _, p := range c.API.TrustedProxies {
		if _, _, err := net.ParseCIDR(p); err != nil && net.ParseIP(p) == nil {
			result.AddError("api.trusted_proxies", p, "must be an IP address or CIDR")
		}
	}

	if c.Metrics.ListenAddr != "" {
		if err := sv.ValidateNetworkAddress(c.Metrics.ListenAddr, "metrics.listen_addr"); err != nil {
			result.AddError("metrics.listen_addr", c.Metrics.ListenAddr, err.Error())
		}
	}

	return result
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be json or text")
	}
	if err := sv.ValidatePath(c.Logging.File, "logging.file"); err != nil {
		result.AddError("logging.file", c.Logging.File, err.Error())
	}
}

func (c *Config) validateStore(result *ValidationResult, sv *SecurityValidator) {
	switch c.Store.Backend {
	case BackendMemory:
		result.AddWarning("store.backend", c.Store.Backend, "suppressions are lost on restart and not shared between processes")
	case BackendRedis:
		if err := sv.ValidateNetworkAddress(c.Store.RedisAddr, "store.redis_addr"); err != nil {
			result.AddError("store.redis_addr", c.Store.RedisAddr, err.Error())
		}
	case BackendSQLite, BackendMySQL, BackendPostgres:
		if c.Store.DSN == "" {
			result.AddError("store.dsn", "", "dsn is required for SQL backends")
		}
	default:
		result.AddError("store.backend", c.Store.Backend, "must be one of memory, redis, sqlite, mysql, postgres")
	}

	switch c.Store.Attempts {
	case "":
	case BackendMemcached:
		if len(c.Store.MemcachedServers) == 0 {
			result.AddError("store.memcached_servers", nil, "at least one server is required")
		}
		for _, s := range c.Store.MemcachedServers {
			if err := sv.ValidateNetworkAddress(s, "store.memcached_servers"); err != nil {
				result.AddError("store.memcached_servers", s, err.Error())
			}
		}
		if c.Store.Backend == BackendMemory {
			result.AddWarning("store.attempts", c.Store.Attempts, "shared counters with process-local suppressions")
		}
	default:
		result.AddError("store.attempts", c.Store.Attempts, "must be empty or memcached")
	}

	if err := sv.ValidateKeyPrefix(c.Store.KeyPrefix, "store.key_prefix"); err != nil {
		result.AddError("store.key_prefix", c.Store.KeyPrefix, err.Error())
	}
	if c.Store.AttemptTTL.Duration < 0 {
		result.AddError("store.attempt_ttl", c.Store.AttemptTTL.String(), "must not be negative")
	}
}

func (c *Config) validateRetry(result *ValidationResult) {
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 100 {
		result.AddError("retry.max_retries", c.Retry.MaxRetries, "must be between 0 and 100")
	}
	if c.Retry.MaxBackoff.Duration <= 0 {
		result.AddError("retry.max_backoff", c.Retry.MaxBackoff.String(), "must be positive")
	} else if c.Retry.MaxBackoff.Duration > maxBackoffCeiling {
		result.AddError("retry.max_backoff", c.Retry.MaxBackoff.String(), "must not exceed 24h")
	}
	if c.Retry.CleanupInterval.Duration < time.Second {
		result.AddError("retry.cleanup_interval", c.Retry.CleanupInterval.String(), "must be at least 1s")
	}
}

func (c *Config) validateComplaint(result *ValidationResult) {
	if c.Complaint.SuppressFor.Duration <= 0 {
		result.AddError("complaint.suppress_for", c.Complaint.SuppressFor.String(), "must be positive")
	}
}

func (c *Config) validateReputation(result *ValidationResult, sv *SecurityValidator) {
	switch c.Reputation.Backend {
	case BackendLog:
	case BackendRedis, BackendValkey:
		addr := c.Reputation.Addr
		if addr == "" && c.Reputation.Backend == BackendRedis {
			addr = c.Store.RedisAddr
		}
		if err := sv.ValidateNetworkAddress(addr, "reputation.addr"); err != nil {
			result.AddError("reputation.addr", addr, err.Error())
		}
	default:
		result.AddError("reputation.backend", c.Reputation.Backend, "must be one of log, redis, valkey")
	}
	if err := sv.ValidateKeyPrefix(c.Reputation.KeyPrefix, "reputation.key_prefix"); err != nil {
		result.AddError("reputation.key_prefix", c.Reputation.KeyPrefix, err.Error())
	}
}

func (c *Config) validateAlert(result *ValidationResult, sv *SecurityValidator) {
	switch c.Alert.Backend {
	case BackendLog:
	case BackendSMTP:
		if err := sv.ValidateNetworkAddress(c.Alert.SMTPAddr, "alert.smtp_addr"); err != nil {
			result.AddError("alert.smtp_addr", c.Alert.SMTPAddr, err.Error())
		}
		if !isValidEmail(c.Alert.From) {
			result.AddError("alert.from", c.Alert.From, "must be an email address")
		}
		if len(c.Alert.To) == 0 {
			result.AddError("alert.to", nil, "at least one recipient is required")
		}
		for _, to := range c.Alert.To {
			if !isValidEmail(to) {
				result.AddError("alert.to", to, "must be an email address")
			}
		}
		if c.Alert.Username != "" && c.Alert.Password == "" {
			result.AddWarning("alert.password", "", "username set without password")
		}
		if c.Alert.Username != "" && !c.Alert.StartTLS {
			result.AddWarning("alert.starttls", false, "credentials are sent without STARTTLS")
		}
	default:
		result.AddError("alert.backend", c.Alert.Backend, "must be log or smtp")
	}
}

func (c *Config) validateIngest(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.Ingest.Workers), "ingest.workers", 1, int64(sv.config.MaxWorkers)); err != nil {
		result.AddError("ingest.workers", c.Ingest.Workers, err.Error())
	}
	if c.Ingest.MaxReportSize <= 0 {
		result.AddError("ingest.max_report_size", c.Ingest.MaxReportSize, "must be positive")
	}
}

func isValidEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n<>")
}
