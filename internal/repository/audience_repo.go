package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

func recipientKey(id string) string      { return "rcpt:" + id }
func listKey(name string) string         { return "list:" + name }
func addressKey(id string) string        { return "addr:" + id }
func recipientAddrIndex(id string) string { return "addr:rcpt:" + id }

// AudienceRepository persists recipients, named recipient lists, and
// deliverable addresses. List membership and the per-recipient address index
// are sorted sets so membership reads reuse the store's range query.
type AudienceRepository struct {
	store  store.Store
	logger *zap.Logger
}

func NewAudienceRepository(s store.Store, logger *zap.Logger) *AudienceRepository {
	return &AudienceRepository{store: s, logger: logger}
}

func (r *AudienceRepository) SaveRecipient(ctx context.Context, rcpt *model.Recipient) error {
	body, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("failed to marshal recipient: %w", err)
	}
	return r.store.Set(ctx, recipientKey(rcpt.ID), string(body), 0)
}

func (r *AudienceRepository) GetRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	body, err := r.store.Get(ctx, recipientKey(id))
	if err != nil {
		return nil, err
	}
	var rcpt model.Recipient
	if err := json.Unmarshal([]byte(body), &rcpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipient %s: %w", id, err)
	}
	return &rcpt, nil
}

func (r *AudienceRepository) AddToList(ctx context.Context, list, recipientID string) error {
	return r.store.ZAdd(ctx, listKey(list), recipientID, 0)
}

func (r *AudienceRepository) RemoveFromList(ctx context.Context, list, recipientID string) error {
	return r.store.ZRem(ctx, listKey(list), recipientID)
}

func (r *AudienceRepository) ListMembers(ctx context.Context, list string) ([]string, error) {
	return r.store.ZRangeByScore(ctx, listKey(list), math.Inf(-1), math.Inf(1), 0)
}

func (r *AudienceRepository) SaveAddress(ctx context.Context, addr *model.RecipientAddress) error {
	body, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("failed to marshal address: %w", err)
	}
	if err := r.store.Set(ctx, addressKey(addr.ID), string(body), 0); err != nil {
		return fmt.Errorf("failed to save address %s: %w", addr.ID, err)
	}
	return r.store.ZAdd(ctx, recipientAddrIndex(addr.RecipientID), addr.ID, float64(addr.RegisteredAt.Unix()))
}

func (r *AudienceRepository) GetAddress(ctx context.Context, id string) (*model.RecipientAddress, error) {
	body, err := r.store.Get(ctx, addressKey(id))
	if err != nil {
		return nil, err
	}
	var addr model.RecipientAddress
	if err := json.Unmarshal([]byte(body), &addr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal address %s: %w", id, err)
	}
	return &addr, nil
}

// AddressesByRecipient returns all addresses registered for a recipient,
// optionally narrowed to one channel.
func (r *AudienceRepository) AddressesByRecipient(ctx context.Context, recipientID string, channel model.Channel) ([]*model.RecipientAddress, error) {
	ids, err := r.store.ZRangeByScore(ctx, recipientAddrIndex(recipientID), math.Inf(-1), math.Inf(1), 0)
	if err != nil {
		return nil, err
	}

	var out []*model.RecipientAddress
	for _, id := range ids {
		addr, err := r.GetAddress(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if channel != "" && channel != model.ChannelMulti && addr.Channel != channel {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}
