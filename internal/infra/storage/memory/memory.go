// Package memory provides an in-memory implementation of the storage
// interfaces. It backs the engine tests and the no-database mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// Store holds all campaign data behind a single mutex, which also makes
// RecordSendResult trivially atomic.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]*domain.Campaign
	contacts  map[string]*domain.Contact
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[string]*domain.Campaign),
		contacts:  make(map[string]*domain.Contact),
	}
}

// Campaigns returns the campaign repository.
func (s *Store) Campaigns() storage.CampaignRepository { return &CampaignRepo{store: s} }

// Contacts returns the contact repository.
func (s *Store) Contacts() storage.ContactRepository { return &ContactRepo{store: s} }

// AddCampaign seeds a campaign.
func (s *Store) AddCampaign(c *domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

// AddContacts seeds contacts.
func (s *Store) AddContacts(contacts ...*domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		cp := *c
		s.contacts[c.ID] = &cp
	}
}

// Contact returns a snapshot of a contact by id.
func (s *Store) Contact(id string) (*domain.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// RecordSendResult writes the contact outcome and campaign counters as
// one unit.
func (s *Store) RecordSendResult(ctx context.Context, up storage.ProgressUpdate, contact *domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contacts[contact.ID]
	if !ok {
		return storage.ErrContactNotFound
	}
	stored.Status = contact.Status
	stored.ErrorType = contact.ErrorType
	stored.ErrorMessage = contact.ErrorMessage
	stored.SentAt = contact.SentAt

	return s.applyProgressLocked(up)
}

func (s *Store) applyProgressLocked(up storage.ProgressUpdate) error {
	c, ok := s.campaigns[up.CampaignID]
	if !ok {
		return storage.ErrCampaignNotFound
	}
	c.CurrentIndex = up.CurrentIndex
	c.SentCount = up.SentCount
	c.FailedCount = up.FailedCount
	c.Status = up.Status
	c.StartedAt = up.StartedAt
	c.PausedAt = up.PausedAt
	c.CompletedAt = up.CompletedAt
	c.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Campaign Repository
// -----------------------------------------------------------------------------

type CampaignRepo struct {
	store *Store
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	c, ok := r.store.campaigns[id]
	if !ok {
		return nil, storage.ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) ListDue(ctx context.Context, now time.Time) ([]*domain.Campaign, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var due []*domain.Campaign
	for _, c := range r.store.campaigns {
		if c.Status != domain.CampaignStatusScheduled {
			continue
		}
		if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			continue
		}
		cp := *c
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (r *CampaignRepo) ListByStatuses(ctx context.Context, statuses ...domain.CampaignStatus) ([]*domain.Campaign, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Campaign
	for _, c := range r.store.campaigns {
		for _, st := range statuses {
			if c.Status == st {
				cp := *c
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *CampaignRepo) UpdateProgress(ctx context.Context, up storage.ProgressUpdate) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.store.applyProgressLocked(up)
}

func (r *CampaignRepo) AcquireLock(ctx context.Context, id, token string, staleBefore time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.campaigns[id]
	if !ok {
		return false, storage.ErrCampaignNotFound
	}

	held := c.ProcessingLock != "" && c.LockAcquiredAt != nil && c.LockAcquiredAt.After(staleBefore)
	if held {
		return false, nil
	}

	now := time.Now()
	c.ProcessingLock = token
	c.LockAcquiredAt = &now
	return true, nil
}

func (r *CampaignRepo) ReleaseLock(ctx context.Context, id, token string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.campaigns[id]
	if !ok {
		return storage.ErrCampaignNotFound
	}
	if c.ProcessingLock != token {
		return nil
	}
	c.ProcessingLock = ""
	c.LockAcquiredAt = nil
	return nil
}

func (r *CampaignRepo) ClearLock(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.campaigns[id]
	if !ok {
		return storage.ErrCampaignNotFound
	}
	c.ProcessingLock = ""
	c.LockAcquiredAt = nil
	return nil
}

// -----------------------------------------------------------------------------
// Contact Repository
// -----------------------------------------------------------------------------

type ContactRepo struct {
	store *Store
}

func (r *ContactRepo) GetPending(ctx context.Context, campaignID string, limit int) ([]*domain.Contact, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var pending []*domain.Contact
	for _, c := range r.store.contacts {
		if c.CampaignID == campaignID && c.Status == domain.ContactStatusPending {
			cp := *c
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ProcessingOrder < pending[j].ProcessingOrder
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *ContactRepo) CountPending(ctx context.Context, campaignID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, c := range r.store.contacts {
		if c.CampaignID == campaignID && c.Status == domain.ContactStatusPending {
			count++
		}
	}
	return count, nil
}

func (r *ContactRepo) UpdateStatus(ctx context.Context, contactID string, status domain.ContactStatus, errorType, errorMessage string, sentAt *time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.contacts[contactID]
	if !ok {
		return storage.ErrContactNotFound
	}
	c.Status = status
	c.ErrorType = errorType
	c.ErrorMessage = errorMessage
	c.SentAt = sentAt
	return nil
}
