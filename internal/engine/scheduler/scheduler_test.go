package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/engine/queue"
	"github.com/vietddude/campaigner/internal/infra/storage/memory"
)

// fakeGateway scripts per-call outcomes and counts sends per phone.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int
	total int

	script    func(phone string, prior int) error
	onSent    func(totalSent int)
	sent      int
	connected bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: make(map[string]int), connected: true}
}

func (g *fakeGateway) SendMessage(ctx context.Context, destination, payload string) error {
	g.mu.Lock()
	prior := g.calls[destination]
	g.calls[destination]++
	g.total++

	var err error
	if g.script != nil {
		err = g.script(destination, prior)
	}
	var hook func(int)
	var sent int
	if err == nil {
		g.sent++
		sent = g.sent
		hook = g.onSent
	}
	g.mu.Unlock()

	if hook != nil {
		hook(sent)
	}
	return err
}

func (g *fakeGateway) IsChannelConnected(ctx context.Context, channelRef string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) totalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

func (g *fakeGateway) callsFor(phone string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[phone]
}

func seedCampaign(store *memory.Store, id string, status domain.CampaignStatus, total int) *domain.Campaign {
	c := &domain.Campaign{
		ID:            id,
		ChannelRef:    "ch-1",
		Status:        status,
		TotalContacts: total,
	}
	store.AddCampaign(c)
	return c
}

func seedContacts(store *memory.Store, campaignID string, from, to int, status domain.ContactStatus) {
	for i := from; i <= to; i++ {
		store.AddContacts(&domain.Contact{
			ID:              fmt.Sprintf("%s-ct-%d", campaignID, i),
			CampaignID:      campaignID,
			Phone:           fmt.Sprintf("+1415555%04d", i),
			Name:            fmt.Sprintf("Contact %d", i),
			Status:          status,
			ProcessingOrder: i,
		})
	}
}

func newScheduler(store *memory.Store, gw *fakeGateway) *Scheduler {
	s := New(store, gw, Options{Logger: slog.Default()})
	s.Start(context.Background())
	return s
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func campaignStatus(t *testing.T, store *memory.Store, id string) domain.CampaignStatus {
	t.Helper()
	c, err := store.Campaigns().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return c.Status
}

func TestStartCampaign_RunsToCompletion(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(store, "c1", domain.CampaignStatusScheduled, 5)
	seedContacts(store, "c1", 1, 5, domain.ContactStatusPending)

	gw := newFakeGateway()
	s := newScheduler(store, gw)

	if err := s.StartCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusCompleted
	})

	c, _ := store.Campaigns().Get(context.Background(), "c1")
	if c.SentCount != 5 || c.FailedCount != 0 || c.CurrentIndex != 5 {
		t.Errorf("counters = %d/%d/%d, want 5/0/5", c.SentCount, c.FailedCount, c.CurrentIndex)
	}
	if gw.totalCalls() != 5 {
		t.Errorf("gateway calls = %d, want 5", gw.totalCalls())
	}
	if c.ProcessingLock != "" {
		t.Errorf("lock not released: %q", c.ProcessingLock)
	}
}

func TestStartCampaign_WrongState(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(store, "c1", domain.CampaignStatusCompleted, 5)

	s := newScheduler(store, newFakeGateway())
	err := s.StartCampaign(context.Background(), "c1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestPauseThenColdResume_NoDuplicateSends(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(store, "c1", domain.CampaignStatusScheduled, 10)
	seedContacts(store, "c1", 1, 10, domain.ContactStatusPending)

	gw := newFakeGateway()
	s := newScheduler(store, gw)

	// Pause after the third successful send.
	gw.onSent = func(totalSent int) {
		if totalSent == 3 {
			_ = s.PauseCampaign(context.Background(), "c1")
		}
	}

	if err := s.StartCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusPaused &&
			s.Registry().Get("c1") == nil
	})

	paused, _ := store.Campaigns().Get(context.Background(), "c1")
	if paused.SentCount != 3 || paused.CurrentIndex != 3 {
		t.Fatalf("paused counters = %d/%d, want 3/3", paused.SentCount, paused.CurrentIndex)
	}
	if paused.PausedAt == nil {
		t.Fatal("PausedAt not set")
	}

	gw.onSent = nil
	if err := s.ResumeCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("ResumeCampaign: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusCompleted
	})

	final, _ := store.Campaigns().Get(context.Background(), "c1")
	if final.SentCount != 10 || final.FailedCount != 0 {
		t.Errorf("final counters = %d/%d, want 10/0", final.SentCount, final.FailedCount)
	}

	// Every contact sent exactly once across both runs.
	for i := 1; i <= 10; i++ {
		phone := fmt.Sprintf("+1415555%04d", i)
		if n := gw.callsFor(phone); n != 1 {
			t.Errorf("contact %d sent %d times, want 1", i, n)
		}
	}
}

func TestResumeCampaign_NotPaused(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(store, "c1", domain.CampaignStatusRunning, 5)

	s := newScheduler(store, newFakeGateway())
	err := s.ResumeCampaign(context.Background(), "c1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}

	if got := campaignStatus(t, store, "c1"); got != domain.CampaignStatusRunning {
		t.Errorf("status mutated to %s", got)
	}
}

func TestResumeCampaign_ChannelUnavailable(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusPaused, 5)
	c.SentCount, c.CurrentIndex = 2, 2
	store.AddCampaign(c)
	seedContacts(store, "c1", 3, 5, domain.ContactStatusPending)

	gw := newFakeGateway()
	gw.connected = false
	s := newScheduler(store, gw)

	err := s.ResumeCampaign(context.Background(), "c1")
	if !errors.Is(err, ErrChannelUnavailable) {
		t.Errorf("err = %v, want ErrChannelUnavailable", err)
	}
	if got := campaignStatus(t, store, "c1"); got != domain.CampaignStatusPaused {
		t.Errorf("status = %s, want paused", got)
	}
	if gw.totalCalls() != 0 {
		t.Errorf("gateway called %d times during failed resume", gw.totalCalls())
	}
}

func TestResumeCampaign_RestoresCounters(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusPaused, 10)
	c.SentCount, c.CurrentIndex = 3, 3
	store.AddCampaign(c)
	seedContacts(store, "c1", 1, 3, domain.ContactStatusSent)
	seedContacts(store, "c1", 4, 10, domain.ContactStatusPending)

	gw := newFakeGateway()
	s := newScheduler(store, gw)

	if err := s.ResumeCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("ResumeCampaign: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusCompleted
	})

	final, _ := store.Campaigns().Get(context.Background(), "c1")
	if final.SentCount != 10 || final.CurrentIndex != 10 {
		t.Errorf("final counters = %d/%d, want 10/10", final.SentCount, final.CurrentIndex)
	}

	// Contacts already marked sent are never re-processed.
	for i := 1; i <= 3; i++ {
		phone := fmt.Sprintf("+1415555%04d", i)
		if n := gw.callsFor(phone); n != 0 {
			t.Errorf("already-sent contact %d re-sent %d times", i, n)
		}
	}
	if gw.totalCalls() != 7 {
		t.Errorf("gateway calls = %d, want 7", gw.totalCalls())
	}
}

func TestCancelCampaign_LiveManager(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusScheduled, 50)
	c.DelayMin, c.DelayMax = 10*time.Millisecond, 15*time.Millisecond
	store.AddCampaign(c)
	seedContacts(store, "c1", 1, 50, domain.ContactStatusPending)

	s := newScheduler(store, newFakeGateway())
	if err := s.StartCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	if err := s.CancelCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusCancelled
	})

	if s.Registry().Get("c1") != nil {
		t.Error("manager still registered after cancel")
	}
}

func TestCancelCampaign_PersistedOnly(t *testing.T) {
	store := memory.NewStore()
	seedCampaign(store, "c1", domain.CampaignStatusPaused, 5)

	s := newScheduler(store, newFakeGateway())
	if err := s.CancelCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	if got := campaignStatus(t, store, "c1"); got != domain.CampaignStatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}
}

func TestCheckScheduled_IdempotentUnderRepeatedTicks(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusScheduled, 5)
	c.DelayMin, c.DelayMax = 10*time.Millisecond, 15*time.Millisecond
	past := time.Now().Add(-time.Minute)
	c.ScheduledAt = &past
	store.AddCampaign(c)
	seedContacts(store, "c1", 1, 5, domain.ContactStatusPending)

	gw := newFakeGateway()
	s := newScheduler(store, gw)

	// A second tick during the in-flight run must not create a second
	// processor.
	s.CheckScheduled(context.Background())
	s.CheckScheduled(context.Background())
	s.CheckScheduled(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusCompleted
	})

	if gw.totalCalls() != 5 {
		t.Errorf("gateway calls = %d, want 5", gw.totalCalls())
	}
}

func TestCheckScheduled_SkipsFutureCampaigns(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusScheduled, 5)
	future := time.Now().Add(time.Hour)
	c.ScheduledAt = &future
	store.AddCampaign(c)

	gw := newFakeGateway()
	s := newScheduler(store, gw)
	s.CheckScheduled(context.Background())

	if got := campaignStatus(t, store, "c1"); got != domain.CampaignStatusScheduled {
		t.Errorf("status = %s, want scheduled", got)
	}
}

func TestShutdown_PausesActiveCampaigns(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusScheduled, 100)
	c.DelayMin, c.DelayMax = 10*time.Millisecond, 15*time.Millisecond
	store.AddCampaign(c)
	seedContacts(store, "c1", 1, 100, domain.ContactStatusPending)

	s := newScheduler(store, newFakeGateway())
	if err := s.StartCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := campaignStatus(t, store, "c1"); got != domain.CampaignStatusPaused {
		t.Errorf("status = %s, want paused", got)
	}
}

func TestResumeCampaign_WaitsForRunCleanup(t *testing.T) {
	store := memory.NewStore()
	c := seedCampaign(store, "c1", domain.CampaignStatusPaused, 5)
	c.SentCount, c.CurrentIndex = 2, 2
	store.AddCampaign(c)
	seedContacts(store, "c1", 3, 5, domain.ContactStatusPending)

	gw := newFakeGateway()
	s := newScheduler(store, gw)

	// Simulate a run whose loop has exited but whose cleanup has not run
	// yet: the manager reports finished while still registered and the
	// lock still held.
	side := memory.NewStore()
	side.AddCampaign(&domain.Campaign{ID: "c1", Status: domain.CampaignStatusRunning})
	mgr := queue.NewManager(&domain.Campaign{ID: "c1", Status: domain.CampaignStatusRunning}, side, gw, queue.Options{})
	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if mgr.Resume() {
		t.Fatal("finished manager accepted an in-place resume")
	}

	s.registry.Add("c1", mgr)
	if err := s.locks.Acquire(context.Background(), "c1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cleanup := make(chan struct{})
	s.mu.Lock()
	s.stopped["c1"] = cleanup
	s.mu.Unlock()

	// Cleanup lands a beat later, the way the run goroutine's deferred
	// deregistration does.
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.registry.Remove("c1")
		s.releaseLock("c1")
		s.mu.Lock()
		delete(s.stopped, "c1")
		s.mu.Unlock()
		close(cleanup)
	}()

	// Resume must wait out the cleanup instead of failing with a spurious
	// lock-held or already-processing error.
	if err := s.ResumeCampaign(context.Background(), "c1"); err != nil {
		t.Fatalf("ResumeCampaign: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return campaignStatus(t, store, "c1") == domain.CampaignStatusCompleted
	})

	final, _ := store.Campaigns().Get(context.Background(), "c1")
	if final.SentCount != 5 || final.CurrentIndex != 5 {
		t.Errorf("final counters = %d/%d, want 5/5", final.SentCount, final.CurrentIndex)
	}
}
