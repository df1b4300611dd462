package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/campaigner/internal/core/domain"
)

// SendError is one entry in a campaign's recent-error log.
type SendError struct {
	ContactID string    `json:"contact_id"`
	Phone     string    `json:"phone"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// ErrorLog records recent send failures per campaign. Implementations are
// best-effort; recording must never fail the send loop.
type ErrorLog interface {
	Record(ctx context.Context, campaignID string, e SendError)
	Recent(ctx context.Context, campaignID string, n int) []SendError
}

// recentErrorCount is how many errors enhanced progress exposes.
const recentErrorCount = 5

// Progress is the enhanced progress snapshot for a campaign.
type Progress struct {
	CampaignID             string                `json:"campaign_id"`
	Status                 domain.CampaignStatus `json:"status"`
	CurrentIndex           int                   `json:"current_index"`
	SentCount              int                   `json:"sent_count"`
	FailedCount            int                   `json:"failed_count"`
	TotalContacts          int                   `json:"total_contacts"`
	EstimatedTimeRemaining string                `json:"estimated_time_remaining"`
	RecentErrors           []SendError           `json:"recent_errors"`
}

// Progress returns the manager's live progress snapshot, including the
// ETA derived from this run's throughput and the most recent errors
// (newest first).
func (m *Manager) Progress(ctx context.Context) Progress {
	m.mu.Lock()
	p := Progress{
		CampaignID:    m.campaign.ID,
		Status:        m.campaign.Status,
		CurrentIndex:  m.campaign.CurrentIndex,
		SentCount:     m.campaign.SentCount,
		FailedCount:   m.campaign.FailedCount,
		TotalContacts: m.campaign.TotalContacts,
	}
	remaining := m.campaign.PendingContacts()
	runSent := m.runSent
	var elapsed time.Duration
	if !m.startedAt.IsZero() {
		elapsed = time.Since(m.startedAt)
	}
	m.mu.Unlock()

	p.EstimatedTimeRemaining = estimateRemaining(runSent, remaining, elapsed)
	p.RecentErrors = m.opts.ErrorLog.Recent(ctx, p.CampaignID, recentErrorCount)
	return p
}

// estimateRemaining derives an ETA from this run's send rate.
func estimateRemaining(sent, remaining int, elapsed time.Duration) string {
	if remaining <= 0 {
		return "complete"
	}
	if sent == 0 || elapsed < time.Second {
		return "calculating"
	}

	perMinute := float64(sent) / elapsed.Minutes()
	if perMinute <= 0 {
		return "calculating"
	}

	eta := time.Duration(float64(remaining)/perMinute*60) * time.Second
	return formatRemaining(eta)
}

// formatRemaining renders a duration as e.g. "2h 30min remaining".
func formatRemaining(d time.Duration) string {
	if d < time.Minute {
		return "<1min remaining"
	}

	h := int(d.Hours())
	min := int(d.Minutes()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dmin remaining", h, min)
	}
	return fmt.Sprintf("%dmin remaining", min)
}

// MemoryErrorLog keeps recent errors in memory, newest first. Used when
// redis is not configured and by the engine tests.
type MemoryErrorLog struct {
	mu      sync.Mutex
	max     int
	entries map[string][]SendError
}

// NewMemoryErrorLog creates an in-memory error log.
func NewMemoryErrorLog() *MemoryErrorLog {
	return &MemoryErrorLog{
		max:     recentErrorCount,
		entries: make(map[string][]SendError),
	}
}

// Record prepends an error, keeping the newest entries only.
func (l *MemoryErrorLog) Record(ctx context.Context, campaignID string, e SendError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append([]SendError{e}, l.entries[campaignID]...)
	if len(entries) > l.max {
		entries = entries[:l.max]
	}
	l.entries[campaignID] = entries
}

// Recent returns up to n errors, newest first.
func (l *MemoryErrorLog) Recent(ctx context.Context, campaignID string, n int) []SendError {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries[campaignID]
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]SendError, n)
	copy(out, entries[:n])
	return out
}

// RenderTemplate substitutes {{key}} placeholders in the campaign message
// template with the contact's variables. {{name}} and {{phone}} are always
// available; explicit variables take priority.
func RenderTemplate(tpl string, c *domain.Contact) string {
	if !strings.Contains(tpl, "{{") {
		return tpl
	}

	pairs := make([]string, 0, 4+2*len(c.Variables))
	for k, v := range c.Variables {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	pairs = append(pairs, "{{name}}", c.Name, "{{phone}}", c.Phone)

	return strings.NewReplacer(pairs...).Replace(tpl)
}
