package model

import "time"

type AddressValidity string

const (
	AddressValid   AddressValidity = "valid"
	AddressInvalid AddressValidity = "invalid"
	AddressUnknown AddressValidity = "unknown"
)

// RecipientAddress is a deliverable endpoint: an email address for the
// message channel, a device token for the push channel.
type RecipientAddress struct {
	ID                string          `json:"id"`
	RecipientID       string          `json:"recipient_id"`
	Channel           Channel         `json:"channel"`
	Value             string          `json:"value"`
	Validity          AddressValidity `json:"validity"`
	TransientFailures int             `json:"transient_failures"`
	LastUsedAt        time.Time       `json:"last_used_at,omitempty"`
	RegisteredAt      time.Time       `json:"registered_at"`
}

// Recipient is the audience-facing profile used by campaign filters.
type Recipient struct {
	ID           string    `json:"id"`
	Country      string    `json:"country"`
	Categories   []string  `json:"categories,omitempty"`
	LastActiveAt time.Time `json:"last_active_at,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}
