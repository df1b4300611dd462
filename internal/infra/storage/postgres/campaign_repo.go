package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// CampaignRepo implements storage.CampaignRepository using PostgreSQL.
type CampaignRepo struct {
	db *DB
}

// NewCampaignRepo creates a new PostgreSQL campaign repository.
func NewCampaignRepo(db *DB) *CampaignRepo {
	return &CampaignRepo{db: db}
}

// campaignRow mirrors the campaigns table for sqlx scanning.
type campaignRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	ChannelRef      string         `db:"channel_ref"`
	MessageTemplate string         `db:"message_template"`
	Status          string         `db:"status"`
	CurrentIndex    int            `db:"current_index"`
	SentCount       int            `db:"sent_count"`
	FailedCount     int            `db:"failed_count"`
	TotalContacts   int            `db:"total_contacts"`
	DelayMinMs      int64          `db:"delay_min_ms"`
	DelayMaxMs      int64          `db:"delay_max_ms"`
	RandomizeOrder  bool           `db:"randomize_order"`
	ScheduledAt     *time.Time     `db:"scheduled_at"`
	StartedAt       *time.Time     `db:"started_at"`
	PausedAt        *time.Time     `db:"paused_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	ProcessingLock  sql.NullString `db:"processing_lock"`
	LockAcquiredAt  *time.Time     `db:"lock_acquired_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r campaignRow) toDomain() *domain.Campaign {
	return &domain.Campaign{
		ID:              r.ID,
		Name:            r.Name,
		ChannelRef:      r.ChannelRef,
		MessageTemplate: r.MessageTemplate,
		Status:          domain.CampaignStatus(r.Status),
		CurrentIndex:    r.CurrentIndex,
		SentCount:       r.SentCount,
		FailedCount:     r.FailedCount,
		TotalContacts:   r.TotalContacts,
		DelayMin:        time.Duration(r.DelayMinMs) * time.Millisecond,
		DelayMax:        time.Duration(r.DelayMaxMs) * time.Millisecond,
		RandomizeOrder:  r.RandomizeOrder,
		ScheduledAt:     r.ScheduledAt,
		StartedAt:       r.StartedAt,
		PausedAt:        r.PausedAt,
		CompletedAt:     r.CompletedAt,
		ProcessingLock:  r.ProcessingLock.String,
		LockAcquiredAt:  r.LockAcquiredAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

const campaignColumns = `id, name, channel_ref, message_template, status,
	current_index, sent_count, failed_count, total_contacts,
	delay_min_ms, delay_max_ms, randomize_order,
	scheduled_at, started_at, paused_at, completed_at,
	processing_lock, lock_acquired_at, created_at, updated_at`

// Get retrieves a campaign by id.
func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	var row campaignRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return row.toDomain(), nil
}

// ListDue retrieves scheduled campaigns whose due time has been reached.
func (r *CampaignRepo) ListDue(ctx context.Context, now time.Time) ([]*domain.Campaign, error) {
	var rows []campaignRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = $1 AND (scheduled_at IS NULL OR scheduled_at <= $2)
		 ORDER BY id`,
		string(domain.CampaignStatusScheduled), now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	return toDomainList(rows), nil
}

// ListByStatuses retrieves campaigns in any of the given statuses.
func (r *CampaignRepo) ListByStatuses(ctx context.Context, statuses ...domain.CampaignStatus) ([]*domain.Campaign, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var rows []campaignRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = ANY($1) ORDER BY id`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns by status: %w", err)
	}
	return toDomainList(rows), nil
}

func toDomainList(rows []campaignRow) []*domain.Campaign {
	out := make([]*domain.Campaign, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out
}

// UpdateProgress persists counters, status and lifecycle timestamps.
func (r *CampaignRepo) UpdateProgress(ctx context.Context, up storage.ProgressUpdate) error {
	res, err := r.db.ExecContext(ctx, updateProgressSQL,
		up.CampaignID, up.CurrentIndex, up.SentCount, up.FailedCount,
		string(up.Status), up.StartedAt, up.PausedAt, up.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign progress: %w", err)
	}
	return requireRow(res, storage.ErrCampaignNotFound)
}

const updateProgressSQL = `
	UPDATE campaigns
	SET current_index = $2, sent_count = $3, failed_count = $4,
	    status = $5, started_at = $6, paused_at = $7, completed_at = $8,
	    updated_at = now()
	WHERE id = $1`

// AcquireLock claims the processing lock in one conditional UPDATE, so
// mutual exclusion holds at the database even across processes. A lock
// acquired before staleBefore is treated as abandoned and reclaimed.
func (r *CampaignRepo) AcquireLock(ctx context.Context, id, token string, staleBefore time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET processing_lock = $2, lock_acquired_at = now(), updated_at = now()
		 WHERE id = $1
		   AND (processing_lock IS NULL OR lock_acquired_at < $3)`,
		id, token, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Zero rows means either the lock is held or the campaign is absent.
	var exists bool
	if err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, id); err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !exists {
		return false, storage.ErrCampaignNotFound
	}
	return false, nil
}

// ReleaseLock clears the lock if it is held with the given token.
func (r *CampaignRepo) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET processing_lock = NULL, lock_acquired_at = NULL, updated_at = now()
		 WHERE id = $1 AND processing_lock = $2`,
		id, token)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ClearLock unconditionally clears the lock (startup recovery).
func (r *CampaignRepo) ClearLock(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns
		 SET processing_lock = NULL, lock_acquired_at = NULL, updated_at = now()
		 WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("failed to clear lock: %w", err)
	}
	return requireRow(res, storage.ErrCampaignNotFound)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
