package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
)

var (
	// ErrCampaignNotFound is returned when a campaign doesn't exist.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrContactNotFound is returned when a contact doesn't exist.
	ErrContactNotFound = errors.New("contact not found")
)

// ProgressUpdate carries the campaign fields the engine persists while
// processing. Counters and status are always written together.
type ProgressUpdate struct {
	CampaignID   string
	CurrentIndex int
	SentCount    int
	FailedCount  int
	Status       domain.CampaignStatus
	StartedAt    *time.Time
	PausedAt     *time.Time
	CompletedAt  *time.Time
}

// CampaignRepository handles campaign storage operations.
type CampaignRepository interface {
	// Get retrieves a campaign by id. Returns ErrCampaignNotFound when absent.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// ListDue retrieves scheduled campaigns whose due time has been reached.
	ListDue(ctx context.Context, now time.Time) ([]*domain.Campaign, error)

	// ListByStatuses retrieves campaigns in any of the given statuses.
	ListByStatuses(ctx context.Context, statuses ...domain.CampaignStatus) ([]*domain.Campaign, error)

	// UpdateProgress persists counters, status and lifecycle timestamps.
	UpdateProgress(ctx context.Context, up ProgressUpdate) error

	// AcquireLock atomically claims the processing lock with the given
	// token. A held lock acquired before staleBefore is treated as
	// abandoned and reclaimed. Returns false when the lock is held.
	AcquireLock(ctx context.Context, id, token string, staleBefore time.Time) (bool, error)

	// ReleaseLock clears the lock if it is held with the given token.
	ReleaseLock(ctx context.Context, id, token string) error

	// ClearLock unconditionally clears the lock (startup recovery).
	ClearLock(ctx context.Context, id string) error
}

// ContactRepository handles contact storage operations.
type ContactRepository interface {
	// GetPending retrieves pending contacts for a campaign ordered by
	// processing_order. limit <= 0 fetches all.
	GetPending(ctx context.Context, campaignID string, limit int) ([]*domain.Contact, error)

	// CountPending returns the number of pending contacts for a campaign.
	CountPending(ctx context.Context, campaignID string) (int, error)

	// UpdateStatus updates a contact's delivery outcome.
	UpdateStatus(ctx context.Context, contactID string, status domain.ContactStatus, errorType, errorMessage string, sentAt *time.Time) error
}

// Store bundles the repositories with the atomic per-contact write.
type Store interface {
	Campaigns() CampaignRepository
	Contacts() ContactRepository

	// RecordSendResult persists the contact outcome and the campaign
	// counters as a single atomic unit, so a crash mid-loop can repeat at
	// most the one in-flight contact's write.
	RecordSendResult(ctx context.Context, up ProgressUpdate, contact *domain.Contact) error
}
