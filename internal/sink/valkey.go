package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/busybox42/bounced/internal/report"
)

// recentLimit is how many complaints the recent list keeps
const recentLimit = 100

// RecentComplaint is one entry of the recent complaints list
type RecentComplaint struct {
	SourceIP     string    `json:"source_ip"`
	FeedbackType string    `json:"feedback_type"`
	Time         time.Time `json:"time"`
}

// ValkeyReputation stores complaint counters in Valkey
type ValkeyReputation struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// ValkeyOption configures a ValkeyReputation
type ValkeyOption func(*ValkeyReputation)

// WithValkeyClock sets the time source for hourly buckets
func WithValkeyClock(now func() time.Time) ValkeyOption {
	return func(v *ValkeyReputation) { v.now = now }
}

// NewValkeyReputation connects to addr. Client-side caching is disabled so
// the sink also works against servers without RESP3 tracking.
func NewValkeyReputation(addr, prefix string, opts ...ValkeyOption) (*ValkeyReputation, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "bounced:"
	}

	v := &ValkeyReputation{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Close closes the Valkey connection
func (v *ValkeyReputation) Close() {
	v.client.Close()
}

func (v *ValkeyReputation) counterKey(ip, name string) string {
	return v.prefix + "reputation:" + ip + ":" + name
}

// RecordComplaint bumps the per-type and hourly counters and pushes the
// complaint onto the recent list.
func (v *ValkeyReputation) RecordComplaint(ctx context.Context, sourceIP string, feedbackType report.FeedbackType) error {
	if sourceIP == "" {
		return errors.New("complaint has no source ip")
	}
	now := v.now().UTC()
	hourKey := v.prefix + "reputation:hourly:" + now.Format("2006-01-02:15") + ":" + sourceIP

	entry, err := json.Marshal(RecentComplaint{SourceIP: sourceIP, FeedbackType: string(feedbackType), Time: now})
	if err != nil {
		return err
	}

	cmds := valkey.Commands{
		v.client.B().Incr().Key(v.counterKey(sourceIP, string(feedbackType))).Build(),
		v.client.B().Incr().Key(v.counterKey(sourceIP, TotalField)).Build(),
		v.client.B().Incr().Key(hourKey).Build(),
		v.client.B().Expire().Key(hourKey).Seconds(86400).Build(), // 24h TTL
		v.client.B().Lpush().Key(v.prefix + "reputation:recent").Element(string(entry)).Build(),
		v.client.B().Ltrim().Key(v.prefix + "reputation:recent").Start(0).Stop(recentLimit - 1).Build(),
	}
	for _, resp := range v.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the counter for ip and name (a feedback type or TotalField)
func (v *ValkeyReputation) Count(ctx context.Context, ip, name string) (int64, error) {
	s, err := v.client.Do(ctx, v.client.B().Get().Key(v.counterKey(ip, name)).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Recent returns up to limit of the most recent complaints
func (v *ValkeyReputation) Recent(ctx context.Context, limit int64) ([]RecentComplaint, error) {
	raw, err := v.client.Do(ctx, v.client.B().Lrange().Key(v.prefix+"reputation:recent").Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}
	out := make([]RecentComplaint, 0, len(raw))
	for _, s := range raw {
		var c RecentComplaint
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
