// Package scheduler owns campaign lifecycle transitions: starting,
// pausing, resuming and cancelling campaigns, the registry of live queue
// managers, the processing lock, and periodic discovery of due scheduled
// campaigns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/engine/metrics"
	"github.com/vietddude/campaigner/internal/engine/queue"
	"github.com/vietddude/campaigner/internal/infra/audit"
	"github.com/vietddude/campaigner/internal/infra/gateway"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

var (
	// ErrInvalidTransition is returned when a lifecycle operation is
	// requested in the wrong campaign state. State is never mutated.
	ErrInvalidTransition = errors.New("invalid campaign state for transition")

	// ErrChannelUnavailable is returned when the messaging channel cannot
	// be verified before a resume. The campaign stays paused.
	ErrChannelUnavailable = errors.New("messaging channel unavailable")
)

// Options configures a Scheduler.
type Options struct {
	LockStaleness time.Duration
	Queue         queue.Options
	Audit         audit.Sink
	Logger        *slog.Logger
}

// Scheduler coordinates campaign processing. One live queue manager per
// campaign id, enforced by the registry and the processing lock.
type Scheduler struct {
	store    storage.Store
	gw       gateway.Gateway
	registry *Registry
	locks    *LockManager
	sink     audit.Sink
	opts     Options
	log      *slog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	stopped map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(store storage.Store, gw gateway.Gateway, opts Options) *Scheduler {
	if opts.Audit == nil {
		opts.Audit = audit.NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Queue.ErrorLog == nil {
		opts.Queue.ErrorLog = queue.NewMemoryErrorLog()
	}

	return &Scheduler{
		store:    store,
		gw:       gw,
		registry: NewRegistry(),
		locks:    NewLockManager(store.Campaigns(), opts.LockStaleness),
		sink:     opts.Audit,
		opts:     opts,
		log:      opts.Logger,
		runCtx:   context.Background(),
		stopped:  make(map[string]chan struct{}),
	}
}

// Registry exposes the live-manager registry (used by the state
// synchronizer).
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// Start binds the scheduler to its lifetime context. Queue managers run
// under this context; cancelling it pauses every active campaign.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// StartCampaign validates state, acquires the processing lock, loads
// contacts and begins the send loop.
func (s *Scheduler) StartCampaign(ctx context.Context, id string) error {
	if s.registry.Get(id) != nil {
		return fmt.Errorf("%w: campaign %s is already being processed", ErrInvalidTransition, id)
	}

	c, err := s.store.Campaigns().Get(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(c.Status, domain.CampaignStatusRunning) {
		return fmt.Errorf("%w: cannot start campaign in status %s", ErrInvalidTransition, c.Status)
	}

	if err := s.locks.Acquire(ctx, id); err != nil {
		return err
	}

	c.Status = domain.CampaignStatusRunning
	if c.StartedAt == nil {
		now := time.Now()
		c.StartedAt = &now
	}

	mgr := queue.NewManager(c, s.store, s.gw, s.opts.Queue)
	if err := mgr.LoadContacts(ctx); err != nil {
		s.releaseLock(id)
		return err
	}

	if !s.registry.Add(id, mgr) {
		s.releaseLock(id)
		return fmt.Errorf("%w: campaign %s is already being processed", ErrInvalidTransition, id)
	}

	if err := s.persistTransition(ctx, c); err != nil {
		s.registry.Remove(id)
		s.releaseLock(id)
		return err
	}

	metrics.CampaignTransitions.WithLabelValues(string(domain.CampaignStatusRunning)).Inc()
	s.sink.Record(ctx, domain.AuditEvent{CampaignID: id, Type: domain.AuditCampaignStarted, At: time.Now()})
	s.log.Info("campaign started", "campaign", id, "contacts", c.TotalContacts)

	s.launch(id, mgr)
	return nil
}

// PauseCampaign signals the active queue manager to stop after the
// current contact. The lock stays held until the loop has fully stopped.
func (s *Scheduler) PauseCampaign(ctx context.Context, id string) error {
	mgr := s.registry.Get(id)
	if mgr == nil {
		return fmt.Errorf("%w: campaign %s is not being processed", ErrInvalidTransition, id)
	}

	mgr.Pause()
	s.log.Info("campaign pause requested", "campaign", id)
	return nil
}

// ResumeCampaign resumes a paused campaign. A live manager with a pending
// pause signal is resumed in place; otherwise a fresh manager is built
// from the persisted row.
func (s *Scheduler) ResumeCampaign(ctx context.Context, id string) error {
	if mgr := s.registry.Get(id); mgr != nil {
		if mgr.Resume() {
			s.sink.Record(ctx, domain.AuditEvent{CampaignID: id, Type: domain.AuditCampaignResumed, At: time.Now()})
			s.log.Info("campaign resumed in place", "campaign", id)
			return nil
		}
		// The loop is already stopping; wait until it has deregistered
		// and released the lock, then fall through to a cold resume.
		s.waitStopped(id)
	}

	c, err := s.store.Campaigns().Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignStatusPaused {
		return fmt.Errorf("%w: cannot resume campaign in status %s", ErrInvalidTransition, c.Status)
	}

	if !s.gw.IsChannelConnected(ctx, c.ChannelRef) {
		return fmt.Errorf("%w: channel %s", ErrChannelUnavailable, c.ChannelRef)
	}

	if err := s.locks.Acquire(ctx, id); err != nil {
		return err
	}

	run := *c
	run.Status = domain.CampaignStatusRunning

	mgr := queue.NewManager(&run, s.store, s.gw, s.opts.Queue)
	if err := mgr.LoadContacts(ctx); err != nil {
		s.releaseLock(id)
		return err
	}
	if err := mgr.RestoreState(c); err != nil {
		s.releaseLock(id)
		return err
	}

	if !s.registry.Add(id, mgr) {
		s.releaseLock(id)
		return fmt.Errorf("%w: campaign %s is already being processed", ErrInvalidTransition, id)
	}

	if err := s.persistTransition(ctx, &run); err != nil {
		s.registry.Remove(id)
		s.releaseLock(id)
		return err
	}

	metrics.CampaignTransitions.WithLabelValues(string(domain.CampaignStatusRunning)).Inc()
	s.sink.Record(ctx, domain.AuditEvent{CampaignID: id, Type: domain.AuditCampaignResumed, At: time.Now()})
	s.log.Info("campaign resumed", "campaign", id, "index", run.CurrentIndex, "sent", run.SentCount)

	s.launch(id, mgr)
	return nil
}

// CancelCampaign stops processing at the next contact boundary and marks
// the campaign cancelled. Terminal.
func (s *Scheduler) CancelCampaign(ctx context.Context, id string) error {
	if mgr := s.registry.Get(id); mgr != nil {
		mgr.Cancel()
		s.log.Info("campaign cancel requested", "campaign", id)
		return nil
	}

	c, err := s.store.Campaigns().Get(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(c.Status, domain.CampaignStatusCancelled) {
		return fmt.Errorf("%w: cannot cancel campaign in status %s", ErrInvalidTransition, c.Status)
	}

	c.Status = domain.CampaignStatusCancelled
	if err := s.persistTransition(ctx, c); err != nil {
		return err
	}
	if err := s.store.Campaigns().ClearLock(ctx, id); err != nil {
		s.log.Warn("failed to clear lock on cancel", "campaign", id, "error", err)
	}

	metrics.CampaignTransitions.WithLabelValues(string(domain.CampaignStatusCancelled)).Inc()
	s.sink.Record(ctx, domain.AuditEvent{CampaignID: id, Type: domain.AuditCampaignCancelled, At: time.Now()})
	s.log.Info("campaign cancelled", "campaign", id)
	return nil
}

// Progress returns the enhanced progress for a campaign, live from the
// manager when one is active, otherwise from the persisted row.
func (s *Scheduler) Progress(ctx context.Context, id string) (queue.Progress, error) {
	if mgr := s.registry.Get(id); mgr != nil {
		return mgr.Progress(ctx), nil
	}

	c, err := s.store.Campaigns().Get(ctx, id)
	if err != nil {
		return queue.Progress{}, err
	}

	p := queue.Progress{
		CampaignID:    c.ID,
		Status:        c.Status,
		CurrentIndex:  c.CurrentIndex,
		SentCount:     c.SentCount,
		FailedCount:   c.FailedCount,
		TotalContacts: c.TotalContacts,
		RecentErrors:  s.opts.Queue.ErrorLog.Recent(ctx, id, 5),
	}
	if c.Status == domain.CampaignStatusCompleted || c.PendingContacts() == 0 {
		p.EstimatedTimeRemaining = "complete"
	} else {
		p.EstimatedTimeRemaining = "n/a"
	}
	return p, nil
}

// CheckScheduled starts every scheduled campaign whose due time has been
// reached. Idempotent under repeated invocation: a second tick during an
// in-flight start cannot create a second manager for the same id.
func (s *Scheduler) CheckScheduled(ctx context.Context) {
	due, err := s.store.Campaigns().ListDue(ctx, time.Now())
	if err != nil {
		s.log.Error("failed to list due campaigns", "error", err)
		return
	}

	for _, c := range due {
		if s.registry.Get(c.ID) != nil {
			continue
		}
		err := s.StartCampaign(ctx, c.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrLockHeld), errors.Is(err, ErrInvalidTransition):
			s.log.Debug("skipping due campaign", "campaign", c.ID, "reason", err)
		default:
			s.log.Error("failed to start due campaign", "campaign", c.ID, "error", err)
		}
	}
}

// Shutdown signals every active manager to pause and waits for the loops
// to stop, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.registry.Each(func(id string, m *queue.Manager) {
		m.Pause()
	})

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with %d campaigns still active: %w", s.registry.Len(), ctx.Err())
	}
}

func (s *Scheduler) launch(id string, mgr *queue.Manager) {
	stopped := make(chan struct{})
	s.mu.Lock()
	s.stopped[id] = stopped
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Deregister and release before signalling so a waiting resume
		// never races the cleanup.
		defer func() {
			s.registry.Remove(id)
			s.releaseLock(id)

			s.mu.Lock()
			delete(s.stopped, id)
			s.mu.Unlock()
			close(stopped)
		}()

		if err := mgr.Run(s.runContext()); err != nil {
			s.log.Error("campaign run ended with error", "campaign", id, "error", err)
		}

		final := mgr.Status()
		switch final {
		case domain.CampaignStatusCompleted:
			s.sink.Record(context.Background(), domain.AuditEvent{
				CampaignID: id, Type: domain.AuditCampaignCompleted, At: time.Now()})
		case domain.CampaignStatusPaused:
			s.sink.Record(context.Background(), domain.AuditEvent{
				CampaignID: id, Type: domain.AuditCampaignPaused, At: time.Now()})
		case domain.CampaignStatusCancelled:
			s.sink.Record(context.Background(), domain.AuditEvent{
				CampaignID: id, Type: domain.AuditCampaignCancelled, At: time.Now()})
		}
	}()
}

// waitStopped blocks until the campaign's run goroutine has finished its
// cleanup. Returns immediately when no run is in flight.
func (s *Scheduler) waitStopped(id string) {
	s.mu.Lock()
	ch := s.stopped[id]
	s.mu.Unlock()

	if ch != nil {
		<-ch
	}
}

func (s *Scheduler) persistTransition(ctx context.Context, c *domain.Campaign) error {
	return s.store.Campaigns().UpdateProgress(ctx, storage.ProgressUpdate{
		CampaignID:   c.ID,
		CurrentIndex: c.CurrentIndex,
		SentCount:    c.SentCount,
		FailedCount:  c.FailedCount,
		Status:       c.Status,
		StartedAt:    c.StartedAt,
		PausedAt:     c.PausedAt,
		CompletedAt:  c.CompletedAt,
	})
}

func (s *Scheduler) releaseLock(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, id); err != nil {
		s.log.Warn("failed to release lock", "campaign", id, "error", err)
	}
}
