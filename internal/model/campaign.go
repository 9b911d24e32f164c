package model

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
)

// Mutable reports whether the campaign may still be edited or sent.
func (s CampaignStatus) Mutable() bool {
	return s == CampaignDraft || s == CampaignScheduled
}

// Variant is one treatment arm of an experiment-enabled campaign. Weights
// across a campaign's variants must sum to 1.
type Variant struct {
	Name       string  `json:"name"`
	ContentRef string  `json:"content_ref"`
	Weight     float64 `json:"weight"`
}

// AudienceFilter narrows the union of include lists. Zero values mean the
// predicate is not applied.
type AudienceFilter struct {
	Countries       []string  `json:"countries,omitempty"`
	ActiveSince     time.Time `json:"active_since,omitempty"`
	RegisteredSince time.Time `json:"registered_since,omitempty"`
	Categories      []string  `json:"categories,omitempty"`
}

type AudienceSpec struct {
	IncludeLists []string       `json:"include_lists"`
	ExcludeLists []string       `json:"exclude_lists,omitempty"`
	Filter       AudienceFilter `json:"filter"`
}

// VariantResult is the per-arm slice of a campaign result.
type VariantResult struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

type CampaignResult struct {
	TotalRecipients int                      `json:"total_recipients"`
	Sent            int                      `json:"sent"`
	Failed          int                      `json:"failed"`
	Blocked         int                      `json:"blocked"`
	ByVariant       map[string]VariantResult `json:"by_variant"`
	StartedAt       time.Time                `json:"started_at"`
	FinishedAt      time.Time                `json:"finished_at"`
}

type Campaign struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      CampaignStatus  `json:"status"`
	Channel     Channel         `json:"channel"`
	Category    string          `json:"category"`
	Audience    AudienceSpec    `json:"audience"`
	Variants    []Variant       `json:"variants"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
	Result      *CampaignResult `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
