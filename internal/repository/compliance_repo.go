package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

func complianceKey(recipientID string) string { return "cpl:" + recipientID }

type ComplianceRepository struct {
	store  store.Store
	logger *zap.Logger
}

func NewComplianceRepository(s store.Store, logger *zap.Logger) *ComplianceRepository {
	return &ComplianceRepository{store: s, logger: logger}
}

// Get returns the compliance record for a recipient. A recipient without a
// stored record gets a zero record (unknown state): not suppressed, no
// consent.
func (r *ComplianceRepository) Get(ctx context.Context, recipientID string) (*model.ComplianceRecord, error) {
	body, err := r.store.Get(ctx, complianceKey(recipientID))
	if err == store.ErrNotFound {
		return &model.ComplianceRecord{RecipientID: recipientID}, nil
	}
	if err != nil {
		return nil, err
	}

	var rec model.ComplianceRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compliance record %s: %w", recipientID, err)
	}
	return &rec, nil
}

func (r *ComplianceRepository) Save(ctx context.Context, rec *model.ComplianceRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance record: %w", err)
	}
	return r.store.Set(ctx, complianceKey(rec.RecipientID), string(body), 0)
}
