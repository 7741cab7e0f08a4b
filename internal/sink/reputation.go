// Package sink holds the reputation and alert collaborators the complaint
// processor reports to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busybox42/bounced/internal/report"
)

// TotalField is the per-IP counter of all complaint types
const TotalField = "total"

// LogReputation only logs complaints. It is the default when no reputation
// backend is configured.
type LogReputation struct {
	logger *slog.Logger
}

func NewLogReputation(logger *slog.Logger) *LogReputation {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReputation{logger: logger.With("component", "reputation-log")}
}

func (l *LogReputation) RecordComplaint(_ context.Context, sourceIP string, feedbackType report.FeedbackType) error {
	l.logger.Info("complaint recorded against source ip",
		"source_ip", sourceIP,
		"feedback_type", string(feedbackType))
	return nil
}

// RedisReputation keeps complaint counters per source IP in Redis: a hash
// per IP with one field per feedback type plus a total, and a sorted set
// ranking IPs by complaint count.
type RedisReputation struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisReputation creates a sink on an existing client
func NewRedisReputation(client redis.UniversalClient, prefix string) *RedisReputation {
	if prefix == "" {
		prefix = "bounced:"
	}
	return &RedisReputation{client: client, prefix: prefix}
}

func (r *RedisReputation) ipKey(ip string) string {
	return r.prefix + "reputation:" + ip
}

func (r *RedisReputation) rankKey() string {
	return r.prefix + "reputation:ranking"
}

func (r *RedisReputation) RecordComplaint(ctx context.Context, sourceIP string, feedbackType report.FeedbackType) error {
	if sourceIP == "" {
		return errors.New("complaint has no source ip")
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, r.ipKey(sourceIP), string(feedbackType), 1)
		pipe.HIncrBy(ctx, r.ipKey(sourceIP), TotalField, 1)
		pipe.HSet(ctx, r.ipKey(sourceIP), "last_complaint", time.Now().UTC().Format(time.RFC3339))
		pipe.ZIncrBy(ctx, r.rankKey(), 1, sourceIP)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis reputation update for %s: %w", sourceIP, err)
	}
	return nil
}

// Counts returns the complaint counters for ip, keyed by feedback type and
// TotalField.
func (r *RedisReputation) Counts(ctx context.Context, ip string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, r.ipKey(ip)).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[k] = n
	}
	return counts, nil
}

// Worst returns up to n source IPs with the most complaints
func (r *RedisReputation) Worst(ctx context.Context, n int64) ([]redis.Z, error) {
	return r.client.ZRevRangeWithScores(ctx, r.rankKey(), 0, n-1).Result()
}
