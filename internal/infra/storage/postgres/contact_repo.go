package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// ContactRepo implements storage.ContactRepository using PostgreSQL.
type ContactRepo struct {
	db *DB
}

// NewContactRepo creates a new PostgreSQL contact repository.
func NewContactRepo(db *DB) *ContactRepo {
	return &ContactRepo{db: db}
}

// contactRow mirrors the contacts table for sqlx scanning. Variables are
// stored as JSONB.
type contactRow struct {
	ID              string          `db:"id"`
	CampaignID      string          `db:"campaign_id"`
	Phone           string          `db:"phone"`
	Name            string          `db:"name"`
	Variables       json.RawMessage `db:"variables"`
	Status          string          `db:"status"`
	ErrorType       sql.NullString  `db:"error_type"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	SentAt          *time.Time      `db:"sent_at"`
	ProcessingOrder int             `db:"processing_order"`
}

func (r contactRow) toDomain() (*domain.Contact, error) {
	c := &domain.Contact{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		Phone:           r.Phone,
		Name:            r.Name,
		Status:          domain.ContactStatus(r.Status),
		ErrorType:       r.ErrorType.String,
		ErrorMessage:    r.ErrorMessage.String,
		SentAt:          r.SentAt,
		ProcessingOrder: r.ProcessingOrder,
	}
	if len(r.Variables) > 0 {
		if err := json.Unmarshal(r.Variables, &c.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode contact variables: %w", err)
		}
	}
	return c, nil
}

// GetPending retrieves pending contacts for a campaign ordered by
// processing_order. limit <= 0 fetches all.
func (r *ContactRepo) GetPending(ctx context.Context, campaignID string, limit int) ([]*domain.Contact, error) {
	query := `SELECT id, campaign_id, phone, name, variables, status,
	                 error_type, error_message, sent_at, processing_order
	          FROM contacts
	          WHERE campaign_id = $1 AND status = $2
	          ORDER BY processing_order`
	args := []any{campaignID, string(domain.ContactStatusPending)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var rows []contactRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get pending contacts: %w", err)
	}

	out := make([]*domain.Contact, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CountPending returns the number of pending contacts for a campaign.
func (r *ContactRepo) CountPending(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT count(*) FROM contacts WHERE campaign_id = $1 AND status = $2`,
		campaignID, string(domain.ContactStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to count pending contacts: %w", err)
	}
	return count, nil
}

// UpdateStatus updates a contact's delivery outcome.
func (r *ContactRepo) UpdateStatus(ctx context.Context, contactID string, status domain.ContactStatus, errorType, errorMessage string, sentAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, updateContactSQL,
		contactID, string(status), nullable(errorType), nullable(errorMessage), sentAt)
	if err != nil {
		return fmt.Errorf("failed to update contact status: %w", err)
	}
	return requireRow(res, storage.ErrContactNotFound)
}

const updateContactSQL = `
	UPDATE contacts
	SET status = $2, error_type = $3, error_message = $4, sent_at = $5
	WHERE id = $1`

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
