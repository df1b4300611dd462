package domain

import "time"

// AuditEventType identifies a campaign lifecycle event.
type AuditEventType string

const (
	AuditCampaignStarted   AuditEventType = "started"
	AuditCampaignPaused    AuditEventType = "paused"
	AuditCampaignResumed   AuditEventType = "resumed"
	AuditCampaignCancelled AuditEventType = "cancelled"
	AuditCampaignCompleted AuditEventType = "completed"
	AuditCampaignFailed    AuditEventType = "failed"
	AuditCampaignRecovered AuditEventType = "recovered"
)

// AuditEvent records a campaign lifecycle transition. Events are appended
// fire-and-forget; sink failures never affect campaign processing.
type AuditEvent struct {
	CampaignID string
	Type       AuditEventType
	Detail     string
	At         time.Time
}
