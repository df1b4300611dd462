// Package queue implements the per-campaign send loop. One Manager owns
// the sequential processing of a single campaign: contact iteration,
// humanized pacing, the retry sub-loop, counters, and per-contact
// persistence. Pause and cancel are cooperative and take effect at
// contact boundaries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/engine/classify"
	"github.com/vietddude/campaigner/internal/engine/metrics"
	"github.com/vietddude/campaigner/internal/infra/gateway"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// ErrNoPendingContacts is returned when state restoration finds nothing
// left to process.
var ErrNoPendingContacts = errors.New("no pending contacts")

const (
	defaultChunkSize      = 100
	defaultChunkThreshold = 1000
	defaultRegion         = "US"
)

// BackoffCalculator computes the wait before retry number attempt for a
// failure category.
type BackoffCalculator interface {
	Delay(cat classify.Category, attempt int) time.Duration
}

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	// ChunkSize is the page size used when the campaign exceeds
	// ChunkThreshold contacts.
	ChunkSize      int
	ChunkThreshold int

	// DefaultRegion is the phonenumbers region for national numbers.
	DefaultRegion string

	Backoff  BackoffCalculator
	ErrorLog ErrorLog
	Logger   *slog.Logger
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// Manager drives the send loop for one campaign. At most one live Manager
// exists per campaign id, enforced by the scheduler's processing lock.
type Manager struct {
	store storage.Store
	gw    gateway.Gateway
	opts  Options
	log   *slog.Logger

	mu         sync.Mutex
	campaign   *domain.Campaign
	contacts   []*domain.Contact
	pos        int
	chunked    bool
	stop       stopReason
	stopCh     chan struct{}
	finalizing bool
	finished   bool

	startedAt time.Time
	runSent   int

	done chan struct{}
	rng  *rand.Rand
}

// NewManager creates a queue manager for a campaign. The campaign value is
// owned by the manager for the duration of the run.
func NewManager(campaign *domain.Campaign, store storage.Store, gw gateway.Gateway, opts Options) *Manager {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = defaultChunkThreshold
	}
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = defaultRegion
	}
	if opts.Backoff == nil {
		opts.Backoff = classify.NewCalculator()
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = NewMemoryErrorLog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Manager{
		store:    store,
		gw:       gw,
		opts:     opts,
		log:      opts.Logger.With("campaign", campaign.ID),
		campaign: campaign,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LoadContacts fetches pending contacts ordered by processing order.
// Campaigns above the chunk threshold are iterated in pages to bound
// memory. An empty result is not an error.
func (m *Manager) LoadContacts(ctx context.Context) error {
	m.mu.Lock()
	m.chunked = m.campaign.TotalContacts > m.opts.ChunkThreshold
	limit := 0
	if m.chunked {
		limit = m.opts.ChunkSize
	}
	id := m.campaign.ID
	m.mu.Unlock()

	contacts, err := m.store.Contacts().GetPending(ctx, id, limit)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}

	if len(contacts) == 0 {
		m.log.Warn("no pending contacts loaded")
	}

	m.mu.Lock()
	m.contacts = contacts
	m.pos = 0
	m.mu.Unlock()
	return nil
}

// RestoreState copies progress counters and timestamps from the persisted
// campaign row. A resumed campaign never starts from zero. Fails with
// ErrNoPendingContacts when nothing is left to process.
func (m *Manager) RestoreState(persisted *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.campaign.CurrentIndex = persisted.CurrentIndex
	m.campaign.SentCount = persisted.SentCount
	m.campaign.FailedCount = persisted.FailedCount
	m.campaign.StartedAt = persisted.StartedAt
	m.campaign.PausedAt = persisted.PausedAt

	if len(m.contacts) == 0 {
		return ErrNoPendingContacts
	}
	return nil
}

// Pause signals the loop to stop after the current contact's attempt
// (including its retry sub-loop) completes.
func (m *Manager) Pause() {
	m.signalStop(stopPause)
}

// Cancel signals the loop to stop at the next contact boundary and mark
// the campaign cancelled.
func (m *Manager) Cancel() {
	m.signalStop(stopCancel)
}

// Resume clears a pending pause signal on a manager whose loop has not
// committed to stopping yet. Returns false once finalization has begun;
// the caller must then construct a fresh manager.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished || m.finalizing {
		return false
	}
	if m.stop != stopNone {
		m.stop = stopNone
		m.stopCh = make(chan struct{})
	}
	return true
}

// Done is closed when the run loop has fully stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns the campaign's current in-memory status.
func (m *Manager) Status() domain.CampaignStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaign.Status
}

// Snapshot returns the manager's in-memory counters as a persistable
// update. Used by the state synchronizer's periodic flush.
func (m *Manager) Snapshot() storage.ProgressUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progressLocked()
}

func (m *Manager) signalStop(reason stopReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished || m.stop == stopCancel {
		return
	}
	if m.stop == stopNone {
		close(m.stopCh)
	}
	m.stop = reason
}

func (m *Manager) stopReason() stopReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop
}

// takeStop reads the stop signal at a contact boundary and, if one is
// set, commits to finalization in the same critical section. Once it has
// returned non-none a concurrent Resume can no longer win the race and
// report success against a loop that is already stopping.
func (m *Manager) takeStop() stopReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != stopNone {
		m.finalizing = true
	}
	return m.stop
}

func (m *Manager) stopChan() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh
}

// wait sleeps for d, returning false when interrupted by a stop signal or
// context cancellation.
func (m *Manager) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return m.stopReason() == stopNone && ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-m.stopChan():
		return false
	case <-t.C:
		return true
	}
}

// humanDelay draws the pacing wait uniformly from [DelayMin, DelayMax].
func (m *Manager) humanDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	min, max := m.campaign.DelayMin, m.campaign.DelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(m.rng.Int63n(int64(max-min)))
}

// Run executes the send loop until the campaign completes or a stop
// signal takes effect. The final status is persisted before returning.
func (m *Manager) Run(ctx context.Context) error {
	defer m.markFinished()

	m.mu.Lock()
	m.startedAt = time.Now()
	if m.campaign.StartedAt == nil {
		t := m.startedAt
		m.campaign.StartedAt = &t
	}
	if m.campaign.RandomizeOrder {
		m.shuffleLocked(m.contacts)
	}
	m.mu.Unlock()

	metrics.ActiveCampaigns.Inc()
	defer metrics.ActiveCampaigns.Dec()

	for {
		if reason := m.takeStop(); reason != stopNone {
			return m.finalizeStopped(ctx, reason)
		}
		if ctx.Err() != nil {
			// Process shutdown pauses the campaign so it can be resumed.
			return m.finalizeStopped(ctx, stopPause)
		}

		contact, ok, err := m.next(ctx)
		if err != nil {
			m.log.Error("failed to fetch next contact batch", "error", err)
			return m.finalizePaused(ctx, "storage error")
		}
		if !ok {
			return m.finalizeCompleted(ctx)
		}

		if !m.wait(ctx, m.humanDelay()) {
			continue
		}

		outcome, category, sendErr := m.sendWithRetry(ctx, contact)
		switch outcome {
		case outcomeSent:
			if err := m.recordSent(ctx, contact); err != nil {
				m.log.Error("failed to persist send result", "contact", contact.ID, "error", err)
				return m.finalizePaused(ctx, "storage error")
			}
		case outcomeFailed:
			if err := m.recordFailed(ctx, contact, category, sendErr); err != nil {
				m.log.Error("failed to persist send result", "contact", contact.ID, "error", err)
				return m.finalizePaused(ctx, "storage error")
			}
		case outcomeChannelDown:
			// The contact stays pending so a resume retries it once the
			// channel is back.
			m.log.Warn("channel unusable, pausing campaign",
				"category", category, "contact", contact.ID, "error", sendErr)
			m.recordError(ctx, contact, category, sendErr)
			return m.finalizePaused(ctx, string(category))
		case outcomeInterrupted:
			continue
		}

		m.mu.Lock()
		m.pos++
		m.mu.Unlock()
	}
}

// next returns the contact at the current position, fetching the next
// page in chunked mode. Processed contacts leave the pending set, so
// pages are always read from the head of the pending ordering.
func (m *Manager) next(ctx context.Context) (*domain.Contact, bool, error) {
	m.mu.Lock()
	if m.pos < len(m.contacts) {
		c := m.contacts[m.pos]
		m.mu.Unlock()
		return c, true, nil
	}
	chunked := m.chunked
	id := m.campaign.ID
	limit := m.opts.ChunkSize
	randomize := m.campaign.RandomizeOrder
	m.mu.Unlock()

	if !chunked {
		return nil, false, nil
	}

	batch, err := m.store.Contacts().GetPending(ctx, id, limit)
	if err != nil {
		return nil, false, err
	}
	if len(batch) == 0 {
		return nil, false, nil
	}

	m.mu.Lock()
	if randomize {
		m.shuffleLocked(batch)
	}
	m.contacts = batch
	m.pos = 0
	c := batch[0]
	m.mu.Unlock()
	return c, true, nil
}

func (m *Manager) shuffleLocked(contacts []*domain.Contact) {
	m.rng.Shuffle(len(contacts), func(i, j int) {
		contacts[i], contacts[j] = contacts[j], contacts[i]
	})
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeFailed
	outcomeChannelDown
	outcomeInterrupted
)

// sendWithRetry performs one contact's send attempt including its retry
// sub-loop. Retryable failures never surface to the caller unless
// attempts are exhausted.
func (m *Manager) sendWithRetry(ctx context.Context, contact *domain.Contact) (sendOutcome, classify.Category, error) {
	if err := m.validatePhone(contact.Phone); err != nil {
		return outcomeFailed, classify.InvalidNumber, err
	}

	m.mu.Lock()
	payload := RenderTemplate(m.campaign.MessageTemplate, contact)
	m.mu.Unlock()

	attempt := 0
	for {
		start := time.Now()
		err := m.gw.SendMessage(ctx, contact.Phone, payload)
		metrics.SendLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			return outcomeSent, "", nil
		}

		category := classify.Categorize(err)
		if category.PausesChannel() {
			return outcomeChannelDown, category, err
		}

		policy := classify.PolicyFor(category)
		if !policy.Retryable {
			return outcomeFailed, category, err
		}
		if policy.MaxRetries != classify.UnboundedRetries && attempt >= policy.MaxRetries {
			return outcomeFailed, category, err
		}

		metrics.SendRetries.WithLabelValues(string(category)).Inc()
		delay := m.opts.Backoff.Delay(category, attempt)
		m.log.Debug("retrying send",
			"contact", contact.ID, "category", category, "attempt", attempt+1, "delay", delay)

		if !m.wait(ctx, delay) {
			return outcomeInterrupted, category, err
		}
		attempt++
	}
}

func (m *Manager) validatePhone(phone string) error {
	num, err := phonenumbers.Parse(phone, m.opts.DefaultRegion)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", phone, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return fmt.Errorf("invalid number %q", phone)
	}
	return nil
}

// recordSent persists a successful send. In-memory counters advance only
// after the atomic write lands: a failed write pauses the campaign at
// this contact instead of drifting past a row still marked pending.
func (m *Manager) recordSent(ctx context.Context, contact *domain.Contact) error {
	now := time.Now()

	m.mu.Lock()
	contact.Status = domain.ContactStatusSent
	contact.SentAt = &now
	contact.ErrorType = ""
	contact.ErrorMessage = ""
	up := m.progressLocked()
	up.SentCount++
	up.CurrentIndex++
	m.mu.Unlock()

	if err := m.store.RecordSendResult(ctx, up, contact); err != nil {
		return err
	}

	m.mu.Lock()
	m.campaign.SentCount = up.SentCount
	m.campaign.CurrentIndex = up.CurrentIndex
	m.runSent++
	m.mu.Unlock()

	metrics.MessagesSent.WithLabelValues("sent").Inc()
	return nil
}

func (m *Manager) recordFailed(ctx context.Context, contact *domain.Contact, category classify.Category, sendErr error) error {
	m.mu.Lock()
	contact.Status = domain.ContactStatusFailed
	contact.ErrorType = string(category)
	if sendErr != nil {
		contact.ErrorMessage = sendErr.Error()
	}
	up := m.progressLocked()
	up.FailedCount++
	up.CurrentIndex++
	m.mu.Unlock()

	m.recordError(ctx, contact, category, sendErr)

	if err := m.store.RecordSendResult(ctx, up, contact); err != nil {
		return err
	}

	m.mu.Lock()
	m.campaign.FailedCount = up.FailedCount
	m.campaign.CurrentIndex = up.CurrentIndex
	m.mu.Unlock()

	metrics.MessagesSent.WithLabelValues("failed").Inc()
	metrics.SendFailures.WithLabelValues(string(category)).Inc()

	m.log.Warn("contact failed", "contact", contact.ID, "category", category, "error", sendErr)
	return nil
}

func (m *Manager) recordError(ctx context.Context, contact *domain.Contact, category classify.Category, sendErr error) {
	e := SendError{
		ContactID: contact.ID,
		Phone:     contact.Phone,
		Category:  string(category),
		At:        time.Now(),
	}
	if sendErr != nil {
		e.Message = sendErr.Error()
	}
	m.opts.ErrorLog.Record(ctx, contact.CampaignID, e)
}

// progressLocked builds a ProgressUpdate snapshot. Callers hold m.mu.
func (m *Manager) progressLocked() storage.ProgressUpdate {
	return storage.ProgressUpdate{
		CampaignID:   m.campaign.ID,
		CurrentIndex: m.campaign.CurrentIndex,
		SentCount:    m.campaign.SentCount,
		FailedCount:  m.campaign.FailedCount,
		Status:       m.campaign.Status,
		StartedAt:    m.campaign.StartedAt,
		PausedAt:     m.campaign.PausedAt,
		CompletedAt:  m.campaign.CompletedAt,
	}
}

func (m *Manager) finalizeStopped(ctx context.Context, reason stopReason) error {
	status := domain.CampaignStatusPaused
	if reason == stopCancel {
		status = domain.CampaignStatusCancelled
	}
	return m.finalize(ctx, status, "")
}

func (m *Manager) finalizePaused(ctx context.Context, detail string) error {
	return m.finalize(ctx, domain.CampaignStatusPaused, detail)
}

func (m *Manager) finalizeCompleted(ctx context.Context) error {
	return m.finalize(ctx, domain.CampaignStatusCompleted, "")
}

func (m *Manager) finalize(ctx context.Context, status domain.CampaignStatus, detail string) error {
	now := time.Now()

	m.mu.Lock()
	m.finalizing = true
	m.campaign.Status = status
	switch status {
	case domain.CampaignStatusPaused:
		m.campaign.PausedAt = &now
	case domain.CampaignStatusCompleted:
		m.campaign.CompletedAt = &now
	}
	up := m.progressLocked()
	m.mu.Unlock()

	metrics.CampaignTransitions.WithLabelValues(string(status)).Inc()

	// Persist against a fresh context: the run context may already be
	// cancelled during shutdown, but the final state write must land.
	persistCtx := ctx
	if persistCtx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := m.store.Campaigns().UpdateProgress(persistCtx, up); err != nil {
		m.log.Error("failed to persist final campaign state", "status", status, "error", err)
		return fmt.Errorf("failed to persist final state: %w", err)
	}

	m.log.Info("campaign stopped", "status", status, "detail", detail,
		"sent", up.SentCount, "failed", up.FailedCount, "index", up.CurrentIndex)
	return nil
}

func (m *Manager) markFinished() {
	m.mu.Lock()
	m.finished = true
	m.mu.Unlock()
	close(m.done)
}
