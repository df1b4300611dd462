package domain

import "time"

// ContactStatus represents the delivery state of a single contact.
type ContactStatus string

const (
	ContactStatusPending ContactStatus = "pending"
	ContactStatusSent    ContactStatus = "sent"
	ContactStatusFailed  ContactStatus = "failed"
)

// Contact is one recipient entry within a campaign.
type Contact struct {
	ID         string
	CampaignID string
	Phone      string
	Name       string

	// Variables are substituted into the campaign message template
	// ({{key}} placeholders) when rendering this contact's message.
	Variables map[string]string

	Status       ContactStatus
	ErrorType    string
	ErrorMessage string
	SentAt       *time.Time

	// ProcessingOrder fixes the position of the contact in the send
	// sequence. Pending contacts are always loaded in this order.
	ProcessingOrder int
}
