package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     CampaignStatus
		to       CampaignStatus
		expected bool
	}{
		{"scheduled to running", CampaignStatusScheduled, CampaignStatusRunning, true},
		{"scheduled to cancelled", CampaignStatusScheduled, CampaignStatusCancelled, true},
		{"scheduled to paused", CampaignStatusScheduled, CampaignStatusPaused, false},
		{"running to paused", CampaignStatusRunning, CampaignStatusPaused, true},
		{"running to completed", CampaignStatusRunning, CampaignStatusCompleted, true},
		{"running to cancelled", CampaignStatusRunning, CampaignStatusCancelled, true},
		{"running to scheduled", CampaignStatusRunning, CampaignStatusScheduled, false},
		{"paused to running", CampaignStatusPaused, CampaignStatusRunning, true},
		{"paused to cancelled", CampaignStatusPaused, CampaignStatusCancelled, true},
		{"paused to completed", CampaignStatusPaused, CampaignStatusCompleted, false},
		{"completed to running", CampaignStatusCompleted, CampaignStatusRunning, false},
		{"cancelled to running", CampaignStatusCancelled, CampaignStatusRunning, false},
		{"failed to running", CampaignStatusFailed, CampaignStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestCampaignStatus_Terminal(t *testing.T) {
	terminal := []CampaignStatus{CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}

	live := []CampaignStatus{CampaignStatusScheduled, CampaignStatusRunning, CampaignStatusPaused}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestCampaign_PendingContacts(t *testing.T) {
	c := &Campaign{TotalContacts: 10, CurrentIndex: 3}
	if got := c.PendingContacts(); got != 7 {
		t.Errorf("expected 7 pending, got %d", got)
	}

	c.CurrentIndex = 12
	if got := c.PendingContacts(); got != 0 {
		t.Errorf("expected 0 pending when over-counted, got %d", got)
	}
}
