package model

import "time"

// ErrorClass is the structured classification returned by channel
// providers. Retry policy is decided from this value, never from free-text
// error messages.
type ErrorClass string

const (
	ErrorNone      ErrorClass = ""
	ErrorPermanent ErrorClass = "permanent" // address/token no longer exists
	ErrorTransient ErrorClass = "transient" // provider unavailable, timeout
	ErrorOther     ErrorClass = "other"     // logged, no state change
)

// DeliveryResult is one row of the append-only delivery audit trail.
type DeliveryResult struct {
	ID             string     `json:"id"`
	NotificationID string     `json:"notification_id,omitempty"`
	CampaignID     string     `json:"campaign_id,omitempty"`
	RecipientID    string     `json:"recipient_id"`
	Channel        Channel    `json:"channel"`
	Success        bool       `json:"success"`
	ErrorClass     ErrorClass `json:"error_class,omitempty"`
	Error          string     `json:"error,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}
