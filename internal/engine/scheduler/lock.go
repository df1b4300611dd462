package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/campaigner/internal/engine/metrics"
	"github.com/vietddude/campaigner/internal/infra/storage"
)

// ErrLockHeld is returned when a campaign's processing lock is already
// held by a live processor.
var ErrLockHeld = errors.New("campaign processing lock held")

// defaultLockStaleness is the age after which a persisted lock is treated
// as abandoned by a crashed holder and may be reclaimed.
const defaultLockStaleness = 5 * time.Minute

// LockManager enforces at most one live processor per campaign id. It
// combines an in-process reservation with the persisted
// (processing_lock, lock_acquired_at) pair so mutual exclusion survives
// restarts, with staleness reclamation as the crash-recovery net.
type LockManager struct {
	repo      storage.CampaignRepository
	staleness time.Duration

	mu   sync.Mutex
	held map[string]string
}

// NewLockManager creates a lock manager. staleness <= 0 uses the default.
func NewLockManager(repo storage.CampaignRepository, staleness time.Duration) *LockManager {
	if staleness <= 0 {
		staleness = defaultLockStaleness
	}
	return &LockManager{
		repo:      repo,
		staleness: staleness,
		held:      make(map[string]string),
	}
}

// Acquire claims the processing lock for a campaign. Of two concurrent
// calls for the same id, exactly one succeeds.
func (l *LockManager) Acquire(ctx context.Context, id string) error {
	l.mu.Lock()
	if _, taken := l.held[id]; taken {
		l.mu.Unlock()
		metrics.LockContention.Inc()
		return fmt.Errorf("%w: %s", ErrLockHeld, id)
	}
	// Reserve before the repo round-trip so a concurrent caller cannot
	// race past the in-memory check.
	l.held[id] = ""
	l.mu.Unlock()

	token := uuid.NewString()
	ok, err := l.repo.AcquireLock(ctx, id, token, time.Now().Add(-l.staleness))
	if err != nil || !ok {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()

		if err != nil {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		metrics.LockContention.Inc()
		return fmt.Errorf("%w: %s", ErrLockHeld, id)
	}

	l.mu.Lock()
	l.held[id] = token
	l.mu.Unlock()
	return nil
}

// Release clears the lock if this manager holds it.
func (l *LockManager) Release(ctx context.Context, id string) error {
	l.mu.Lock()
	token, taken := l.held[id]
	delete(l.held, id)
	l.mu.Unlock()

	if !taken || token == "" {
		return nil
	}
	return l.repo.ReleaseLock(ctx, id, token)
}
