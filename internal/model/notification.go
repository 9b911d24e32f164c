package model

import "time"

type Channel string

const (
	ChannelMessage Channel = "message"
	ChannelPush    Channel = "push"
	ChannelMulti   Channel = "multi"
)

type NotificationStatus string

const (
	StatusScheduled  NotificationStatus = "scheduled"
	StatusProcessing NotificationStatus = "processing"
	StatusCompleted  NotificationStatus = "completed"
	StatusFailed     NotificationStatus = "failed"
	StatusCancelled  NotificationStatus = "cancelled"
)

// Terminal reports whether a status permits no further transition.
func (s NotificationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ScheduledNotification is a single time-bound unit of delivery work. The
// payload is an opaque reference resolved by the renderer at dispatch time.
type ScheduledNotification struct {
	ID          string             `json:"id"`
	Channel     Channel            `json:"channel"`
	RecipientID string             `json:"recipient_id"`
	Category    string             `json:"category"`
	PayloadRef  string             `json:"payload_ref"`
	DueAt       time.Time          `json:"due_at"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	LastError   string             `json:"last_error,omitempty"`
	CampaignID  string             `json:"campaign_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// CategoryTransactional bypasses suppression and consent checks.
const CategoryTransactional = "transactional"
