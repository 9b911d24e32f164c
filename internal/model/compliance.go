package model

import "time"

// SuppressionReason enumerates why a recipient was suppressed.
type SuppressionReason string

const (
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonManual      SuppressionReason = "manual"
)

type ConsentRecord struct {
	Categories []string  `json:"categories"`
	GrantedAt  time.Time `json:"granted_at"`
}

// ComplianceRecord carries everything the gate needs to decide whether a
// recipient may receive a category of content. Rate counters live in the
// store keyed by (recipient, category, window), not here.
type ComplianceRecord struct {
	RecipientID       string            `json:"recipient_id"`
	Suppressed        bool              `json:"suppressed"`
	SuppressionReason SuppressionReason `json:"suppression_reason,omitempty"`
	SuppressedAt      time.Time         `json:"suppressed_at,omitempty"`
	OptOuts           map[string]bool   `json:"opt_outs,omitempty"`
	Consent           *ConsentRecord    `json:"consent,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
