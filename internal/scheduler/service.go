package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/pkg/config"
)

// ErrInvalidSpec marks validation failures rejected at the API boundary;
// nothing reaches the store.
var ErrInvalidSpec = errors.New("invalid notification spec")

type ScheduleSpec struct {
	Channel     model.Channel
	RecipientID string
	Category    string
	PayloadRef  string
	DueAt       time.Time
	MaxAttempts int
	CampaignID  string
}

// Service exposes the notification scheduling operations consumed by the
// (external) request layer.
type Service struct {
	repo   *repository.NotificationRepository
	cfg    config.SchedulerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo *repository.NotificationRepository, cfg config.SchedulerConfig, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Service) ScheduleNotification(ctx context.Context, spec ScheduleSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	now := s.now().UTC()
	n := &model.ScheduledNotification{
		ID:          uuid.NewString(),
		Channel:     spec.Channel,
		RecipientID: spec.RecipientID,
		Category:    spec.Category,
		PayloadRef:  spec.PayloadRef,
		DueAt:       spec.DueAt.UTC(),
		Status:      model.StatusScheduled,
		MaxAttempts: maxAttempts,
		CampaignID:  spec.CampaignID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Save(ctx, n); err != nil {
		return "", err
	}

	s.logger.Info("Notification scheduled",
		zap.String("notification_id", n.ID),
		zap.String("recipient_id", n.RecipientID),
		zap.String("channel", string(n.Channel)),
		zap.Time("due_at", n.DueAt),
	)
	return n.ID, nil
}

// CancelNotification cancels a notification that has not been claimed yet.
// A cancel racing a claim is a recorded no-op, not an error.
func (s *Service) CancelNotification(ctx context.Context, id string) (bool, error) {
	ok, err := s.repo.TransitionStatus(ctx, id, model.StatusScheduled, model.StatusCancelled)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("Cancel lost the race to a claim", zap.String("notification_id", id))
		return false, nil
	}

	if err := s.repo.RemoveDue(ctx, id); err != nil {
		return true, err
	}

	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return true, err
	}
	n.Status = model.StatusCancelled
	if err := s.repo.UpdateBody(ctx, n); err != nil {
		return true, err
	}

	s.logger.Info("Notification cancelled", zap.String("notification_id", id))
	return true, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (model.NotificationStatus, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return n.Status, nil
}

func validateSpec(spec ScheduleSpec) error {
	switch spec.Channel {
	case model.ChannelMessage, model.ChannelPush, model.ChannelMulti:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidSpec, spec.Channel)
	}
	if spec.RecipientID == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidSpec)
	}
	if spec.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidSpec)
	}
	if spec.PayloadRef == "" {
		return fmt.Errorf("%w: payload reference is required", ErrInvalidSpec)
	}
	if spec.DueAt.IsZero() {
		return fmt.Errorf("%w: due time is required", ErrInvalidSpec)
	}
	return nil
}
