package api

import (
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	TrustedProxies    []string
}

var errRateLimited = errors.New("rate limit exceeded")

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware provides per-IP rate limiting
type RateLimitMiddleware struct {
	limiters        map[string]*clientLimiter
	mu              sync.Mutex
	rate            rate.Limit
	burst           int
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	enabled         bool
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	trustedProxies  proxySet
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{enabled: false}
	}

	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10.0
	}

	burst := config.Burst
	if burst <= 0 {
		burst = 20
	}

	rl := &RateLimitMiddleware{
		limiters:        make(map[string]*clientLimiter),
		rate:            rate.Limit(requestsPerSecond),
		burst:           burst,
		idleTimeout:     10 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		enabled:         true,
		stopCleanup:     make(chan struct{}),
		trustedProxies:  parseTrustedProxies(config.TrustedProxies),
	}

	go rl.cleanupLoop()
	return rl
}

// proxySet is the set of peers allowed to report the client address in
// X-Forwarded-For or X-Real-IP
type proxySet []netip.Prefix

// parseTrustedProxies accepts CIDRs and bare addresses; invalid entries are
// skipped
func parseTrustedProxies(proxies []string) proxySet {
	var set proxySet
	for _, p := range proxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			set = append(set, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			set = append(set, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return set
}

func (ps proxySet) contains(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range ps {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimitMiddleware) Stop() {
	if !rl.enabled {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.evictIdle(now)
		case <-rl.stopCleanup:
			return
		}
	}
}

// evictIdle drops limiters not used since idleTimeout before now
func (rl *RateLimitMiddleware) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idleTimeout {
			delete(rl.limiters, ip)
			removed++
		}
	}
	return removed
}

func (rl *RateLimitMiddleware) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.limiters[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// extractIP returns the client address. Forwarding headers count only when
// the peer is a trusted proxy; the client is then the rightmost
// X-Forwarded-For hop that is not itself a trusted proxy.
func extractIP(r *http.Request, trusted proxySet) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !trusted.contains(peer) {
		return peer
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		if hop := strings.TrimSpace(hops[i]); hop != "" && !trusted.contains(hop) {
			return hop
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return peer
}

// Limit applies rate limiting
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.getLimiter(extractIP(r, rl.trustedProxies)).Allow() {
			w.Header().Set("Retry-After", rl.retryAfter())
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds until one more token is available
func (rl *RateLimitMiddleware) retryAfter() string {
	secs := int(math.Ceil(1 / float64(rl.rate)))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// loggingMiddleware logs each request at debug, or warn for server errors
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		level := s.logger.Debug
		if wrapper.statusCode >= http.StatusInternalServerError {
			level = s.logger.Warn
		}
		level("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
