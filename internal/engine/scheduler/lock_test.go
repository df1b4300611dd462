package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/infra/storage/memory"
)

func newLockedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	store.AddCampaign(&domain.Campaign{ID: "c1", Status: domain.CampaignStatusScheduled})
	return store
}

func TestAcquire_MutuallyExclusive(t *testing.T) {
	store := newLockedStore(t)
	lm := NewLockManager(store.Campaigns(), time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = lm.Acquire(context.Background(), "c1")
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrLockHeld):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
}

func TestAcquire_ReleasedLockCanBeReacquired(t *testing.T) {
	store := newLockedStore(t)
	lm := NewLockManager(store.Campaigns(), time.Minute)

	if err := lm.Acquire(context.Background(), "c1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := lm.Release(context.Background(), "c1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lm.Acquire(context.Background(), "c1"); err != nil {
		t.Errorf("reacquire after release: %v", err)
	}
}

func TestAcquire_StaleLockReclaimed(t *testing.T) {
	store := memory.NewStore()
	// A crashed holder left its token behind 10 minutes ago.
	staleAt := time.Now().Add(-10 * time.Minute)
	store.AddCampaign(&domain.Campaign{
		ID:             "c1",
		Status:         domain.CampaignStatusScheduled,
		ProcessingLock: "dead-token",
		LockAcquiredAt: &staleAt,
	})

	lm := NewLockManager(store.Campaigns(), 5*time.Minute)
	if err := lm.Acquire(context.Background(), "c1"); err != nil {
		t.Errorf("stale lock not reclaimed: %v", err)
	}

	c, _ := store.Campaigns().Get(context.Background(), "c1")
	if c.ProcessingLock == "dead-token" || c.ProcessingLock == "" {
		t.Errorf("lock token = %q, want fresh token", c.ProcessingLock)
	}
}

func TestAcquire_FreshForeignLockRejected(t *testing.T) {
	store := memory.NewStore()
	heldAt := time.Now().Add(-time.Minute)
	store.AddCampaign(&domain.Campaign{
		ID:             "c1",
		Status:         domain.CampaignStatusScheduled,
		ProcessingLock: "live-token",
		LockAcquiredAt: &heldAt,
	})

	lm := NewLockManager(store.Campaigns(), 5*time.Minute)
	err := lm.Acquire(context.Background(), "c1")
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("err = %v, want ErrLockHeld", err)
	}
}

func TestRelease_UnheldIsNoop(t *testing.T) {
	store := newLockedStore(t)
	lm := NewLockManager(store.Campaigns(), time.Minute)

	if err := lm.Release(context.Background(), "c1"); err != nil {
		t.Errorf("release of unheld lock: %v", err)
	}
}
