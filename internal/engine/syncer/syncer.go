// Package syncer reconciles in-memory queue manager state with the
// persisted campaign records. While a campaign is running the live
// process is the source of truth: divergence is logged and the persisted
// value overwritten. On startup the syncer recovers campaigns orphaned by
// a crashed process.
package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/engine/metrics"
	"github.com/vietddude/campaigner/internal/engine/queue"
	"github.com/vietddude/campaigner/internal/engine/scheduler"
	"github.com/vietddude/campaigner/internal/infra/audit"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// Syncer periodically flushes live campaign counters to storage and
// performs the running→paused recovery sweep at startup.
type Syncer struct {
	store    storage.Store
	registry *scheduler.Registry
	sink     audit.Sink
	log      *slog.Logger
}

// New creates a state synchronizer over the scheduler's live-manager
// registry.
func New(store storage.Store, registry *scheduler.Registry, sink audit.Sink, log *slog.Logger) *Syncer {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		store:    store,
		registry: registry,
		sink:     sink,
		log:      log,
	}
}

// Flush writes every live manager's counters to storage, even absent a
// triggering contact event. Write failures are logged and retried on the
// next tick; they never terminate the worker.
func (s *Syncer) Flush(ctx context.Context) {
	s.registry.Each(func(id string, m *queue.Manager) {
		snap := m.Snapshot()

		persisted, err := s.store.Campaigns().Get(ctx, id)
		if err != nil {
			s.log.Warn("sync: failed to read persisted campaign", "campaign", id, "error", err)
			return
		}

		if drifted(persisted, snap) {
			metrics.SyncDrift.Inc()
			s.log.Warn("sync: persisted state drifted from live state, overwriting",
				"campaign", id,
				"persisted_index", persisted.CurrentIndex, "live_index", snap.CurrentIndex,
				"persisted_sent", persisted.SentCount, "live_sent", snap.SentCount,
				"persisted_failed", persisted.FailedCount, "live_failed", snap.FailedCount,
				"persisted_status", persisted.Status, "live_status", snap.Status)
		}

		if err := s.store.Campaigns().UpdateProgress(ctx, snap); err != nil {
			s.log.Warn("sync: failed to flush campaign state", "campaign", id, "error", err)
		}
	})
}

// drifted reports whether the persisted row disagrees with the live
// snapshot on any field the flush owns.
func drifted(persisted *domain.Campaign, snap storage.ProgressUpdate) bool {
	return persisted.CurrentIndex != snap.CurrentIndex ||
		persisted.SentCount != snap.SentCount ||
		persisted.FailedCount != snap.FailedCount ||
		persisted.Status != snap.Status
}

// RecoverOnStartup transitions every campaign persisted as running to
// paused and clears its lock: a running row at startup means the previous
// process died with the in-memory processor. Recovered campaigns are
// never auto-resumed; an explicit resume call is required.
func (s *Syncer) RecoverOnStartup(ctx context.Context) error {
	orphaned, err := s.store.Campaigns().ListByStatuses(ctx, domain.CampaignStatusRunning)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, c := range orphaned {
		up := storage.ProgressUpdate{
			CampaignID:   c.ID,
			CurrentIndex: c.CurrentIndex,
			SentCount:    c.SentCount,
			FailedCount:  c.FailedCount,
			Status:       domain.CampaignStatusPaused,
			StartedAt:    c.StartedAt,
			PausedAt:     &now,
			CompletedAt:  c.CompletedAt,
		}
		if err := s.store.Campaigns().UpdateProgress(ctx, up); err != nil {
			s.log.Error("recovery: failed to pause orphaned campaign", "campaign", c.ID, "error", err)
			continue
		}
		if err := s.store.Campaigns().ClearLock(ctx, c.ID); err != nil {
			s.log.Warn("recovery: failed to clear stale lock", "campaign", c.ID, "error", err)
		}

		metrics.CampaignTransitions.WithLabelValues(string(domain.CampaignStatusPaused)).Inc()
		s.sink.Record(ctx, domain.AuditEvent{
			CampaignID: c.ID,
			Type:       domain.AuditCampaignRecovered,
			Detail:     "process restart while running",
			At:         now,
		})
		s.log.Info("recovery: paused orphaned campaign",
			"campaign", c.ID, "index", c.CurrentIndex, "sent", c.SentCount)
	}

	if len(orphaned) > 0 {
		s.log.Info("startup recovery complete", "recovered", len(orphaned))
	}
	return nil
}
