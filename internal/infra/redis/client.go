// Package redis wraps the redis operations the engine uses: the
// per-campaign recent-error log and the audit event stream. Both are
// side channels; the engine runs without redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/engine/queue"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Client wraps Redis operations for the campaign engine.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks if redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func errorKey(campaignID string) string {
	return fmt.Sprintf("campaign:errors:%s", campaignID)
}

const auditStream = "campaign:audit"

// errorLogTTL bounds how long a campaign's error ring outlives activity.
const errorLogTTL = 7 * 24 * time.Hour

// AppendAudit appends a lifecycle event to the audit stream.
func (c *Client) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStream,
		Values: map[string]any{
			"campaign": ev.CampaignID,
			"type":     string(ev.Type),
			"detail":   ev.Detail,
			"at":       ev.At.Format(time.RFC3339),
		},
	}).Err()
}

// ErrorLog adapts the client to the queue.ErrorLog interface using a
// capped list per campaign (newest first).
type ErrorLog struct {
	client *Client
	max    int
}

// NewErrorLog creates a redis-backed error log keeping max entries.
func NewErrorLog(client *Client, max int) *ErrorLog {
	if max <= 0 {
		max = 5
	}
	return &ErrorLog{client: client, max: max}
}

// Record pushes an error onto the campaign's ring. Best effort.
func (l *ErrorLog) Record(ctx context.Context, campaignID string, e queue.SendError) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	key := errorKey(campaignID)
	pipe := l.client.rdb.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(l.max-1))
	pipe.Expire(ctx, key, errorLogTTL)
	_, _ = pipe.Exec(ctx)
}

// Recent returns up to n errors, newest first.
func (l *ErrorLog) Recent(ctx context.Context, campaignID string, n int) []queue.SendError {
	raw, err := l.client.rdb.LRange(ctx, errorKey(campaignID), 0, int64(n-1)).Result()
	if err != nil {
		return nil
	}

	out := make([]queue.SendError, 0, len(raw))
	for _, item := range raw {
		var e queue.SendError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
