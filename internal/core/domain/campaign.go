package domain

import "time"

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}

// validTransitions defines the allowed campaign status transitions.
var validTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusScheduled: {
		CampaignStatusRunning,
		CampaignStatusCancelled,
	},
	CampaignStatusRunning: {
		CampaignStatusPaused,
		CampaignStatusCompleted,
		CampaignStatusCancelled,
		CampaignStatusFailed,
	},
	CampaignStatusPaused: {
		CampaignStatusRunning,
		CampaignStatusCancelled,
		CampaignStatusFailed,
	},
}

// CanTransition checks if a status transition is valid.
func CanTransition(from, to CampaignStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Campaign is a bulk-send job targeting an ordered set of contacts.
// The scheduler owns the record; the active queue manager mutates the
// progress counters while processing.
type Campaign struct {
	ID              string
	Name            string
	ChannelRef      string
	MessageTemplate string
	Status          CampaignStatus

	// Progress counters. CurrentIndex is the number of contacts already
	// processed (sent or failed) across all runs of the campaign.
	CurrentIndex  int
	SentCount     int
	FailedCount   int
	TotalContacts int

	// Pacing between sends. Each send waits a duration drawn uniformly
	// from [DelayMin, DelayMax].
	DelayMin       time.Duration
	DelayMax       time.Duration
	RandomizeOrder bool

	ScheduledAt *time.Time
	StartedAt   *time.Time
	PausedAt    *time.Time
	CompletedAt *time.Time

	// ProcessingLock is the opaque token held by the active processor.
	// Empty means unlocked. A lock older than the staleness timeout is
	// treated as abandoned.
	ProcessingLock string
	LockAcquiredAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PendingContacts returns the number of contacts not yet processed.
func (c *Campaign) PendingContacts() int {
	n := c.TotalContacts - c.CurrentIndex
	if n < 0 {
		return 0
	}
	return n
}
