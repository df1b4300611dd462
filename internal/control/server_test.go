package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vietddude/campaigner/internal/core/domain"
	"github.com/vietddude/campaigner/internal/engine/queue"
	"github.com/vietddude/campaigner/internal/engine/scheduler"
	"github.com/vietddude/campaigner/internal/infra/storage/memory"
)

type fakeGateway struct {
	connected bool
}

func (g *fakeGateway) SendMessage(ctx context.Context, destination, payload string) error {
	return nil
}

func (g *fakeGateway) IsChannelConnected(ctx context.Context, channelRef string) bool {
	return g.connected
}

func newTestServer(t *testing.T, store *memory.Store, gw *fakeGateway) *Server {
	t.Helper()
	sched := scheduler.New(store, gw, scheduler.Options{Logger: slog.Default()})
	sched.Start(context.Background())
	health := func(ctx context.Context) map[string]string {
		return map[string]string{"database": "memory", "redis": "disabled"}
	}
	return NewServer(sched, health, ":0", slog.Default())
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStart_UnknownCampaign(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), &fakeGateway{connected: true})

	rec := do(t, s, http.MethodPost, "/campaigns/nope/start")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResume_RunningCampaignConflicts(t *testing.T) {
	store := memory.NewStore()
	store.AddCampaign(&domain.Campaign{
		ID:            "c1",
		Status:        domain.CampaignStatusRunning,
		TotalContacts: 5,
	})
	s := newTestServer(t, store, &fakeGateway{connected: true})

	rec := do(t, s, http.MethodPost, "/campaigns/c1/resume")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}

	// Rejected transitions never mutate state.
	got, _ := store.Campaigns().Get(context.Background(), "c1")
	if got.Status != domain.CampaignStatusRunning {
		t.Errorf("status mutated to %s", got.Status)
	}
}

func TestResume_ChannelUnavailable(t *testing.T) {
	store := memory.NewStore()
	store.AddCampaign(&domain.Campaign{
		ID:            "c1",
		Status:        domain.CampaignStatusPaused,
		ChannelRef:    "wa-main",
		TotalContacts: 5,
	})
	s := newTestServer(t, store, &fakeGateway{connected: false})

	rec := do(t, s, http.MethodPost, "/campaigns/c1/resume")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	got, _ := store.Campaigns().Get(context.Background(), "c1")
	if got.Status != domain.CampaignStatusPaused {
		t.Errorf("campaign left paused = false, status %s", got.Status)
	}
}

func TestResume_NoPendingContactsConflicts(t *testing.T) {
	store := memory.NewStore()
	store.AddCampaign(&domain.Campaign{
		ID:            "c1",
		Status:        domain.CampaignStatusPaused,
		CurrentIndex:  5,
		SentCount:     5,
		TotalContacts: 5,
	})
	s := newTestServer(t, store, &fakeGateway{connected: true})

	rec := do(t, s, http.MethodPost, "/campaigns/c1/resume")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestProgress_PersistedCampaign(t *testing.T) {
	store := memory.NewStore()
	store.AddCampaign(&domain.Campaign{
		ID:            "c1",
		Status:        domain.CampaignStatusPaused,
		CurrentIndex:  3,
		SentCount:     2,
		FailedCount:   1,
		TotalContacts: 10,
	})
	s := newTestServer(t, store, &fakeGateway{connected: true})

	rec := do(t, s, http.MethodGet, "/campaigns/c1/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var p queue.Progress
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SentCount != 2 || p.FailedCount != 1 || p.CurrentIndex != 3 {
		t.Errorf("progress = %d/%d/%d, want 3/2/1", p.CurrentIndex, p.SentCount, p.FailedCount)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, memory.NewStore(), &fakeGateway{connected: true})

	rec := do(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var components map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&components); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if components["database"] != "memory" {
		t.Errorf("database = %q, want memory", components["database"])
	}
}
