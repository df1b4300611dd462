// Package audit appends campaign lifecycle events to an external sink.
// Appends are fire-and-forget: a sink failure is logged and never affects
// campaign processing.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	redisclient "github.com/vietddude/campaigner/internal/infra/redis"
)

// Sink receives campaign lifecycle events.
type Sink interface {
	Record(ctx context.Context, ev domain.AuditEvent)
}

// NopSink discards all events. Used when no sink is configured.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, ev domain.AuditEvent) {}

// RedisSink appends events to the redis audit stream.
type RedisSink struct {
	client *redisclient.Client
	log    *slog.Logger
}

// NewRedisSink creates a redis-backed audit sink.
func NewRedisSink(client *redisclient.Client, log *slog.Logger) *RedisSink {
	if log == nil {
		log = slog.Default()
	}
	return &RedisSink{client: client, log: log}
}

// Record appends one event with a bounded timeout.
func (s *RedisSink) Record(ctx context.Context, ev domain.AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.client.AppendAudit(appendCtx, ev); err != nil {
		s.log.Warn("failed to append audit event",
			"campaign", ev.CampaignID, "type", ev.Type, "error", err)
	}
}
