package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/busybox42/bounced/internal/complaint"
	"github.com/busybox42/bounced/internal/config"
	"github.com/busybox42/bounced/internal/metrics"
	"github.com/busybox42/bounced/internal/retry"
	"github.com/busybox42/bounced/internal/sink"
	"github.com/busybox42/bounced/internal/store"
	"github.com/busybox42/bounced/internal/store/memcachestore"
	"github.com/busybox42/bounced/internal/store/redisstore"
	"github.com/busybox42/bounced/internal/store/sqlstore"
)

// Check is a named readiness probe
type Check func(ctx context.Context) error

// Runtime is a pipeline built from configuration together with the
// connections it owns.
type Runtime struct {
	Pipeline *Pipeline
	Metrics  *metrics.Metrics
	Breakers map[string]*sink.Breaker

	checks  map[string]Check
	closers []func() error
	logger  *slog.Logger
}

// Ready runs every readiness probe and returns the failures by name
func (rt *Runtime) Ready(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for name, check := range rt.checks {
		if err := check(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// CheckNames lists the registered readiness probes, sorted
func (rt *Runtime) CheckNames() []string {
	names := make([]string, 0, len(rt.checks))
	for name := range rt.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases connections in reverse order of opening
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) onClose(f func() error) {
	rt.closers = append(rt.closers, f)
}

// Build connects the configured backends and assembles the pipeline. m may
// be nil, in which case the process-wide metrics are used. On error every
// connection opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (_ *Runtime, err error) {
	if m == nil {
		m = metrics.GetMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		Metrics:  m,
		Breakers: make(map[string]*sink.Breaker),
		checks:   make(map[string]Check),
		logger:   logger,
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	suppressions, attempts, locker, redisClient, err := rt.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reputation, err := rt.buildReputation(cfg, redisClient)
	if err != nil {
		return nil, err
	}
	alerts, err := rt.buildAlerts(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := retry.NewEngine(suppressions, attempts, locker,
		retry.WithPolicy(retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			MaxBackoff: cfg.Retry.MaxBackoff.Duration,
		}),
		retry.WithLogger(logger.With("component", "retry-engine")),
		retry.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	processor, err := complaint.NewProcessor(suppressions, reputation, alerts,
		complaint.WithSuppressFor(cfg.Complaint.SuppressFor.Duration),
		complaint.WithLogger(logger.With("component", "complaint-processor")),
		complaint.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	rt.Pipeline, err = New(engine, processor, suppressions,
		WithLogger(logger.With("component", "pipeline")),
		WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("pipeline ready",
		"store", cfg.Store.Backend,
		"attempts", cfg.AttemptsBackend(),
		"reputation", cfg.Reputation.Backend,
		"alert", cfg.Alert.Backend,
		"max_retries", cfg.Retry.MaxRetries)
	return rt, nil
}

func (rt *Runtime) buildStore(ctx context.Context, cfg *config.Config) (store.SuppressionStore, store.AttemptStore, store.Locker, *redis.Client, error) {
	var (
		suppressions store.SuppressionStore
		attempts     store.AttemptStore
		locker       store.Locker
		redisClient  *redis.Client
	)

	switch cfg.Store.Backend {
	case config.BackendMemory:
		mem := store.NewMemory()
		suppressions, attempts = mem, mem.Attempts()
		locker = store.NewLocalLocker(0)

	case config.BackendRedis:
		rs := redisstore.New(redisstore.Config{
			Addr:       cfg.Store.RedisAddr,
			Password:   cfg.Store.RedisPassword,
			DB:         cfg.Store.RedisDB,
			Prefix:     cfg.Store.KeyPrefix,
			AttemptTTL: cfg.Store.AttemptTTL.Duration,
		})
		if err := rs.Connect(); err != nil {
			return nil, nil, nil, nil, err
		}
		rt.onClose(rs.Close)
		redisClient = rs.Client()
		suppressions, attempts = rs, rs.Attempts()
		locker = redisstore.NewLocker(redisClient, cfg.Store.KeyPrefix, 0)
		rt.checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}

	case config.BackendSQLite, config.BackendMySQL, config.BackendPostgres:
		dialect, err := sqlstore.ParseDialect(cfg.Store.Backend)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		ss := sqlstore.New(sqlstore.Config{Dialect: dialect, DSN: cfg.Store.DSN})
		if err := ss.Connect(ctx); err != nil {
			return nil, nil, nil, nil, err
		}
		rt.onClose(ss.Close)
		if err := ss.Migrate(ctx); err != nil {
			return nil, nil, nil, nil, err
		}
		suppressions, attempts = ss, ss.Attempts()
		if dialect == sqlstore.Postgres {
			locker = sqlstore.NewAdvisoryLocker(ss.DB())
		} else {
			// Cross-process safety comes from the transactional
			// compare-and-increment.
			locker = store.NewLocalLocker(0)
		}
		rt.checks["database"] = func(ctx context.Context) error {
			return ss.DB().PingContext(ctx)
		}

	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.Attempts == config.BackendMemcached {
		mc := memcachestore.New(memcachestore.Config{
			Servers: cfg.Store.MemcachedServers,
			Prefix:  cfg.Store.KeyPrefix,
			TTL:     cfg.Store.AttemptTTL.Duration,
		})
		if err := mc.Connect(); err != nil {
			return nil, nil, nil, nil, err
		}
		rt.onClose(mc.Close)
		attempts = mc
		rt.checks["memcached"] = func(context.Context) error {
			return mc.Ping()
		}
	}

	return suppressions, attempts, locker, redisClient, nil
}

func (rt *Runtime) breakerConfig(cfg *config.Config, name string) sink.BreakerConfig {
	bc := sink.DefaultBreakerConfig(name)
	if cfg.Breaker.MaxRequests > 0 {
		bc.MaxRequests = cfg.Breaker.MaxRequests
	}
	if cfg.Breaker.Interval.Duration > 0 {
		bc.Interval = cfg.Breaker.Interval.Duration
	}
	if cfg.Breaker.Timeout.Duration > 0 {
		bc.Timeout = cfg.Breaker.Timeout.Duration
	}
	if cfg.Breaker.FailureThreshold > 0 {
		bc.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	return bc
}

func (rt *Runtime) buildReputation(cfg *config.Config, shared *redis.Client) (complaint.ReputationSink, error) {
	switch cfg.Reputation.Backend {
	case config.BackendLog:
		return sink.NewLogReputation(rt.logger.With("component", "reputation")), nil

	case config.BackendRedis:
		var client redis.UniversalClient = shared
		if cfg.Reputation.Addr != "" || shared == nil {
			addr := cfg.Reputation.Addr
			if addr == "" {
				addr = cfg.Store.RedisAddr
			}
			own := redis.NewUniversalClient(&redis.UniversalOptions{
				Addrs:    []string{addr},
				Password: cfg.Store.RedisPassword,
			})
			rt.onClose(own.Close)
			client = own
			rt.checks["reputation"] = func(ctx context.Context) error {
				return own.Ping(ctx).Err()
			}
		}
		return rt.guardReputation(cfg, sink.NewRedisReputation(client, cfg.Reputation.KeyPrefix)), nil

	case config.BackendValkey:
		v, err := sink.NewValkeyReputation(cfg.Reputation.Addr, cfg.Reputation.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("connecting reputation Valkey: %w", err)
		}
		rt.onClose(func() error {
			v.Close()
			return nil
		})
		return rt.guardReputation(cfg, v), nil
	}
	return nil, fmt.Errorf("unsupported reputation backend %q", cfg.Reputation.Backend)
}

func (rt *Runtime) guardReputation(cfg *config.Config, s complaint.ReputationSink) complaint.ReputationSink {
	b := sink.NewBreaker(rt.breakerConfig(cfg, "reputation"), rt.logger)
	rt.Breakers["reputation"] = b
	return sink.WrapReputation(s, b)
}

func (rt *Runtime) buildAlerts(cfg *config.Config) (complaint.AlertSink, error) {
	switch cfg.Alert.Backend {
	case config.BackendLog:
		return sink.NewLogAlerter(rt.logger.With("component", "alerts")), nil
	case config.BackendSMTP:
		a, err := sink.NewSMTPAlerter(sink.SMTPConfig{
			Addr:     cfg.Alert.SMTPAddr,
			From:     cfg.Alert.From,
			To:       cfg.Alert.To,
			Username: cfg.Alert.Username,
			Password: cfg.Alert.Password,
			StartTLS: cfg.Alert.StartTLS,
		})
		if err != nil {
			return nil, err
		}
		b := sink.NewBreaker(rt.breakerConfig(cfg, "alert"), rt.logger)
		rt.Breakers["alert"] = b
		return sink.WrapAlerts(a, b), nil
	}
	return nil, fmt.Errorf("unsupported alert backend %q", cfg.Alert.Backend)
}
