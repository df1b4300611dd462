package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// Store bundles the PostgreSQL repositories and implements the atomic
// send-result write.
type Store struct {
	db        *DB
	campaigns *CampaignRepo
	contacts  *ContactRepo
}

// NewStore creates a store over an open connection.
func NewStore(db *DB) *Store {
	return &Store{
		db:        db,
		campaigns: NewCampaignRepo(db),
		contacts:  NewContactRepo(db),
	}
}

// Campaigns returns the campaign repository.
func (s *Store) Campaigns() storage.CampaignRepository { return s.campaigns }

// Contacts returns the contact repository.
func (s *Store) Contacts() storage.ContactRepository { return s.contacts }

// RecordSendResult writes the contact outcome and the campaign counters
// in a single transaction. A crash mid-loop can therefore repeat at most
// the one in-flight contact's write, never lose committed progress.
func (s *Store) RecordSendResult(ctx context.Context, up storage.ProgressUpdate, contact *domain.Contact) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, updateContactSQL,
		contact.ID, string(contact.Status),
		nullable(contact.ErrorType), nullable(contact.ErrorMessage), contact.SentAt)
	if err != nil {
		return fmt.Errorf("failed to update contact status: %w", err)
	}
	if err := requireRow(res, storage.ErrContactNotFound); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, updateProgressSQL,
		up.CampaignID, up.CurrentIndex, up.SentCount, up.FailedCount,
		string(up.Status), up.StartedAt, up.PausedAt, up.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign progress: %w", err)
	}
	if err := requireRow(res, storage.ErrCampaignNotFound); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit send result: %w", err)
	}
	return nil
}
