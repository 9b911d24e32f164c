package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/store"
	"notifyhub/pkg/config"
	"notifyhub/pkg/metrics"
)

func transientFailKey(addressID string) string { return "tfail:" + addressID }

// Tracker maintains the validity state of recipient addresses. A permanent
// delivery error invalidates an address immediately; enough consecutive
// transient errors within the configured window invalidate it proactively.
type Tracker struct {
	audience *repository.AudienceRepository
	store    store.Store
	cfg      config.LifecycleConfig
	logger   *zap.Logger
}

func NewTracker(audience *repository.AudienceRepository, s store.Store, cfg config.LifecycleConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		audience: audience,
		store:    s,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register creates an address, or re-registers an existing one: validity
// resets to valid and the transient-failure counter is cleared.
func (t *Tracker) Register(ctx context.Context, recipientID string, channel model.Channel, value string) (*model.RecipientAddress, error) {
	existing, err := t.audience.AddressesByRecipient(ctx, recipientID, channel)
	if err != nil {
		return nil, err
	}

	var addr *model.RecipientAddress
	for _, a := range existing {
		if a.Value == value {
			addr = a
			break
		}
	}

	if addr == nil {
		addr = &model.RecipientAddress{
			ID:           uuid.NewString(),
			RecipientID:  recipientID,
			Channel:      channel,
			Value:        value,
			RegisteredAt: time.Now().UTC(),
		}
	}

	addr.Validity = model.AddressValid
	addr.TransientFailures = 0
	if err := t.store.Delete(ctx, transientFailKey(addr.ID)); err != nil {
		return nil, fmt.Errorf("failed to reset failure counter: %w", err)
	}
	if err := t.audience.SaveAddress(ctx, addr); err != nil {
		return nil, err
	}

	t.logger.Info("Address registered",
		zap.String("address_id", addr.ID),
		zap.String("recipient_id", recipientID),
		zap.String("channel", string(channel)),
	)
	return addr, nil
}

func (t *Tracker) Unregister(ctx context.Context, addressID string) error {
	addr, err := t.audience.GetAddress(ctx, addressID)
	if err != nil {
		return err
	}
	return t.invalidate(ctx, addr, "unregister")
}

// RecordOutcome applies one per-address delivery outcome to the lifecycle
// state machine.
func (t *Tracker) RecordOutcome(ctx context.Context, addr *model.RecipientAddress, class model.ErrorClass) error {
	switch class {
	case model.ErrorNone:
		addr.TransientFailures = 0
		addr.LastUsedAt = time.Now().UTC()
		if err := t.store.Delete(ctx, transientFailKey(addr.ID)); err != nil {
			return fmt.Errorf("failed to reset failure counter: %w", err)
		}
		return t.audience.SaveAddress(ctx, addr)

	case model.ErrorPermanent:
		return t.invalidate(ctx, addr, "permanent")

	case model.ErrorTransient:
		count, err := t.store.AtomicIncrement(ctx, transientFailKey(addr.ID), t.cfg.TransientWindow)
		if err != nil {
			return fmt.Errorf("failed to count transient failure: %w", err)
		}
		addr.TransientFailures = int(count)
		if count >= int64(t.cfg.TransientThreshold) {
			t.logger.Warn("Transient failure threshold crossed",
				zap.String("address_id", addr.ID),
				zap.Int64("failures", count),
			)
			return t.invalidate(ctx, addr, "threshold")
		}
		return t.audience.SaveAddress(ctx, addr)

	default:
		// unclassified: log only, no state change
		t.logger.Warn("Unclassified delivery error",
			zap.String("address_id", addr.ID),
			zap.String("class", string(class)),
		)
		return nil
	}
}

// InvalidateValue invalidates an address identified by its raw value, for
// feedback that arrives from the provider without our address id.
func (t *Tracker) InvalidateValue(ctx context.Context, recipientID string, channel model.Channel, value, cause string) error {
	addrs, err := t.audience.AddressesByRecipient(ctx, recipientID, channel)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if addr.Value == value {
			return t.invalidate(ctx, addr, cause)
		}
	}
	return store.ErrNotFound
}

func (t *Tracker) invalidate(ctx context.Context, addr *model.RecipientAddress, cause string) error {
	addr.Validity = model.AddressInvalid
	if err := t.audience.SaveAddress(ctx, addr); err != nil {
		return err
	}

	metrics.AddressesInvalidated.WithLabelValues(string(addr.Channel), cause).Inc()
	t.logger.Info("Address invalidated",
		zap.String("address_id", addr.ID),
		zap.String("recipient_id", addr.RecipientID),
		zap.String("cause", cause),
	)
	return nil
}
