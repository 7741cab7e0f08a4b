package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// SecurityConfig bounds values that size resources or reach the network
type SecurityConfig struct {
	MaxWorkers        int
	MaxConfigFileSize int64
	MaxPathLength     int
	MaxKeyPrefix      int
}

// DefaultSecurityConfig returns the limits LoadConfig and Validate apply
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxWorkers:        1000,
		MaxConfigFileSize: 1 << 20,
		MaxPathLength:     4096,
		MaxKeyPrefix:      64,
	}
}

// SecurityValidator checks configuration values that end up in store keys,
// network addresses or file paths.
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a validator with the default limits
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{config: DefaultSecurityConfig()}
}

// ValidatePath rejects traversal in configured file paths. Empty is allowed.
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	switch {
	case path == "":
		return nil
	case strings.ContainsRune(path, 0):
		return fmt.Errorf("null byte in %s", fieldName)
	case len(path) > sv.config.MaxPathLength:
		return fmt.Errorf("%s is %d characters long (max %d)", fieldName, len(path), sv.config.MaxPathLength)
	case strings.HasPrefix(filepath.Clean(path), ".."):
		// Clean keeps leading ".." of relative paths
		return fmt.Errorf("%s escapes the working directory: %s", fieldName, path)
	}
	return nil
}

// ValidateNumericBounds checks min <= value <= max
func (sv *SecurityValidator) ValidateNumericBounds(value int64, fieldName string, min, max int64) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", fieldName, min, max, value)
	}
	return nil
}

// ValidateKeyPrefix checks a store key prefix. Prefixes are concatenated
// into Redis and memcached keys, so whitespace and control characters are
// refused.
func (sv *SecurityValidator) ValidateKeyPrefix(prefix, fieldName string) error {
	if len(prefix) > sv.config.MaxKeyPrefix {
		return fmt.Errorf("%s is longer than %d bytes", fieldName, sv.config.MaxKeyPrefix)
	}
	for _, r := range prefix {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("%s contains whitespace or control characters", fieldName)
		}
	}
	return nil
}

// ValidateNetworkAddress accepts host:port, [v6]:port and :port
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("%s: address is empty", fieldName)
	}
	if strings.ContainsAny(addr, shellMeta) {
		return fmt.Errorf("%s: unexpected characters in %q", fieldName, addr)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", fieldName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("%s: port %q must be 1-65535", fieldName, portStr)
	}
	if host == "" {
		return nil
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}
	if len(host) > 253 || !hostnamePattern.MatchString(host) {
		return fmt.Errorf("%s: invalid hostname %q", fieldName, host)
	}
	return nil
}

// ValidateConfigFileSize refuses configuration files over the size limit
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.config.MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.config.MaxConfigFileSize)
	}
	return nil
}

const shellMeta = "`$;|&<>\\ \t\r\n"

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
