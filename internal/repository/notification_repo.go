package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

const (
	dueIndex        = "ntf:due"
	processingIndex = "ntf:processing"
)

func notificationKey(id string) string { return "ntf:" + id }
func statusKey(id string) string       { return "ntf:" + id + ":status" }

// NotificationRepository persists scheduled notifications. The record body
// lives at ntf:<id>; the status lives in its own key so that transitions can
// go through the store's compare-and-set. The due and processing indexes are
// sorted sets scored by unix seconds.
type NotificationRepository struct {
	store  store.Store
	logger *zap.Logger
}

func NewNotificationRepository(s store.Store, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{store: s, logger: logger}
}

func (r *NotificationRepository) Save(ctx context.Context, n *model.ScheduledNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := r.store.Set(ctx, notificationKey(n.ID), string(body), 0); err != nil {
		return fmt.Errorf("failed to save notification %s: %w", n.ID, err)
	}
	if err := r.store.Set(ctx, statusKey(n.ID), string(n.Status), 0); err != nil {
		return fmt.Errorf("failed to save notification status %s: %w", n.ID, err)
	}

	if n.Status == model.StatusScheduled {
		if err := r.store.ZAdd(ctx, dueIndex, n.ID, float64(n.DueAt.Unix())); err != nil {
			return fmt.Errorf("failed to index notification %s: %w", n.ID, err)
		}
	}
	return nil
}

func (r *NotificationRepository) Get(ctx context.Context, id string) (*model.ScheduledNotification, error) {
	body, err := r.store.Get(ctx, notificationKey(id))
	if err != nil {
		return nil, err
	}

	var n model.ScheduledNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification %s: %w", id, err)
	}

	// The status key is authoritative; the body may lag behind a CAS won by
	// another instance.
	status, err := r.store.Get(ctx, statusKey(id))
	if err == nil {
		n.Status = model.NotificationStatus(status)
	}
	return &n, nil
}

// Status reads the authoritative status key.
func (r *NotificationRepository) Status(ctx context.Context, id string) (model.NotificationStatus, error) {
	status, err := r.store.Get(ctx, statusKey(id))
	if err != nil {
		return "", err
	}
	return model.NotificationStatus(status), nil
}

// TransitionStatus performs the atomic from→to swap. Only the caller that
// observes true may act on the notification.
func (r *NotificationRepository) TransitionStatus(ctx context.Context, id string, from, to model.NotificationStatus) (bool, error) {
	ok, err := r.store.ConditionalSet(ctx, statusKey(id), string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to transition %s %s->%s: %w", id, from, to, err)
	}
	return ok, nil
}

// UpdateBody rewrites the record body after a won transition. The status
// field inside the body is kept in sync with the status key by the winner.
func (r *NotificationRepository) UpdateBody(ctx context.Context, n *model.ScheduledNotification) error {
	n.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return r.store.Set(ctx, notificationKey(n.ID), string(body), 0)
}

// DueBefore returns ids of scheduled notifications with dueAt <= t, oldest
// first.
func (r *NotificationRepository) DueBefore(ctx context.Context, t time.Time, limit int64) ([]string, error) {
	return r.store.ZRangeByScore(ctx, dueIndex, math.Inf(-1), float64(t.Unix()), limit)
}

func (r *NotificationRepository) RemoveDue(ctx context.Context, id string) error {
	return r.store.ZRem(ctx, dueIndex, id)
}

func (r *NotificationRepository) AddDue(ctx context.Context, id string, at time.Time) error {
	return r.store.ZAdd(ctx, dueIndex, id, float64(at.Unix()))
}

// MarkClaimed records the claim deadline so a crashed claimant's work can be
// reclaimed by a later loop pass.
func (r *NotificationRepository) MarkClaimed(ctx context.Context, id string, deadline time.Time) error {
	return r.store.ZAdd(ctx, processingIndex, id, float64(deadline.Unix()))
}

func (r *NotificationRepository) ClearClaim(ctx context.Context, id string) error {
	return r.store.ZRem(ctx, processingIndex, id)
}

// ExpiredClaims returns ids whose claim deadline passed before t.
func (r *NotificationRepository) ExpiredClaims(ctx context.Context, t time.Time, limit int64) ([]string, error) {
	return r.store.ZRangeByScore(ctx, processingIndex, math.Inf(-1), float64(t.Unix()), limit)
}
