package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/compliance"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/pkg/config"
	"notifyhub/pkg/metrics"
)

type notificationSentEvent struct {
	NotificationID string    `json:"notification_id"`
	RecipientID    string    `json:"recipient_id"`
	Channel        string    `json:"channel"`
	SentAt         time.Time `json:"sent_at"`
}

type notificationFailedEvent struct {
	NotificationID string `json:"notification_id"`
	RecipientID    string `json:"recipient_id"`
	Channel        string `json:"channel"`
	Error          string `json:"error"`
	Attempts       int    `json:"attempts"`
}

// Loop polls due notifications, claims them atomically, and routes each
// through the compliance gate and the dispatcher. Multiple loop instances
// may run concurrently against the same store; the claim is the only
// coordination between them.
type Loop struct {
	repo       *repository.NotificationRepository
	gate       *compliance.Gate
	dispatcher *dispatch.Dispatcher
	publisher  dispatch.EventPublisher
	cfg        config.SchedulerConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewLoop(
	repo *repository.NotificationRepository,
	gate *compliance.Gate,
	dispatcher *dispatch.Dispatcher,
	publisher dispatch.EventPublisher,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Loop {
	return &Loop{
		repo:       repo,
		gate:       gate,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Start runs the loop on its ticker until the context is cancelled.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce executes one scheduler pass: reclaim expired claims, then process
// the due batch. Item failures never abort the pass.
func (l *Loop) RunOnce(ctx context.Context) {
	l.reclaimExpired(ctx)

	now := l.now().UTC()
	ids, err := l.repo.DueBefore(ctx, now, int64(l.cfg.BatchSize))
	if err != nil {
		l.logger.Error("Failed to query due notifications", zap.Error(err))
		return
	}

	parallel := l.cfg.DispatchParallel
	if parallel <= 0 {
		parallel = 1
	}

	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			l.processOne(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (l *Loop) processOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic while processing notification",
				zap.String("notification_id", id),
				zap.Any("panic", r),
			)
		}
	}()

	// Atomic claim: only the winner proceeds to dispatch.
	claimed, err := l.repo.TransitionStatus(ctx, id, model.StatusScheduled, model.StatusProcessing)
	if err != nil {
		l.logger.Error("Claim failed", zap.String("notification_id", id), zap.Error(err))
		return
	}
	if !claimed {
		metrics.ClaimConflicts.Inc()
		l.dropDueIfTerminal(ctx, id)
		return
	}

	if err := l.repo.RemoveDue(ctx, id); err != nil {
		l.logger.Error("Failed to remove due entry", zap.String("notification_id", id), zap.Error(err))
	}
	deadline := l.now().UTC().Add(l.cfg.ClaimTimeout)
	if err := l.repo.MarkClaimed(ctx, id, deadline); err != nil {
		l.logger.Error("Failed to record claim deadline", zap.String("notification_id", id), zap.Error(err))
	}

	n, err := l.repo.Get(ctx, id)
	if err != nil {
		// claimed an id with no record body; nothing to dispatch
		l.logger.Error("Claimed notification has no record", zap.String("notification_id", id), zap.Error(err))
		l.finishTerminal(ctx, &model.ScheduledNotification{ID: id}, model.StatusFailed, "record not found")
		return
	}

	decision, err := l.gate.Check(ctx, n.RecipientID, n.Category, n.Channel)
	if err != nil {
		l.retryOrFail(ctx, n, model.ErrorTransient, "compliance check failed: "+err.Error())
		return
	}
	if !decision.Allowed {
		// a policy block is a decision, not a delivery failure
		l.logger.Info("Notification blocked by compliance",
			zap.String("notification_id", n.ID),
			zap.String("recipient_id", n.RecipientID),
			zap.String("reason", decision.Reason),
		)
		metrics.NotificationsProcessed.WithLabelValues("blocked").Inc()
		l.finishTerminal(ctx, n, model.StatusCancelled, decision.Reason)
		return
	}

	res, err := l.dispatcher.Dispatch(ctx, dispatch.Item{
		NotificationID: n.ID,
		CampaignID:     n.CampaignID,
		RecipientID:    n.RecipientID,
		Channel:        n.Channel,
		Category:       n.Category,
		ContentRef:     n.PayloadRef,
	})
	if err != nil {
		l.retryOrFail(ctx, n, model.ErrorTransient, "dispatch error: "+err.Error())
		return
	}

	if res.Success {
		if err := l.gate.ConfirmSend(ctx, n.RecipientID, n.Category); err != nil {
			l.logger.Error("Failed to confirm send", zap.String("notification_id", n.ID), zap.Error(err))
		}
		metrics.NotificationsProcessed.WithLabelValues("completed").Inc()
		l.finishTerminal(ctx, n, model.StatusCompleted, "")
		l.publish("notification.sent", notificationSentEvent{
			NotificationID: n.ID,
			RecipientID:    n.RecipientID,
			Channel:        string(n.Channel),
			SentAt:         l.now().UTC(),
		})
		return
	}

	l.retryOrFail(ctx, n, res.ErrorClass, res.Error)
}

// dropDueIfTerminal prunes a stale due entry left behind for a finished
// notification. A claim loser must not remove the entry blindly: the claim
// holder may be about to reschedule the id, and removing it after the
// holder's re-index would strand a scheduled notification outside every
// index. A live entry only costs the loser one failed claim per pass.
func (l *Loop) dropDueIfTerminal(ctx context.Context, id string) {
	status, err := l.repo.Status(ctx, id)
	if err != nil {
		l.logger.Error("Failed to read status after lost claim", zap.String("notification_id", id), zap.Error(err))
		return
	}
	if !status.Terminal() {
		return
	}
	if err := l.repo.RemoveDue(ctx, id); err != nil {
		l.logger.Error("Failed to prune stale due entry", zap.String("notification_id", id), zap.Error(err))
	}
}

// retryOrFail reschedules a transiently failed notification with exponential
// backoff until attempts run out; everything else is a terminal failure.
func (l *Loop) retryOrFail(ctx context.Context, n *model.ScheduledNotification, class model.ErrorClass, cause string) {
	n.Attempts++
	n.LastError = cause

	if class == model.ErrorTransient && n.Attempts < n.MaxAttempts {
		delay := l.backoff(n.Attempts)
		n.DueAt = l.now().UTC().Add(delay)

		ok, err := l.repo.TransitionStatus(ctx, n.ID, model.StatusProcessing, model.StatusScheduled)
		if err != nil || !ok {
			l.logger.Error("Failed to reschedule notification",
				zap.String("notification_id", n.ID),
				zap.Bool("cas_ok", ok),
				zap.Error(err),
			)
			return
		}
		n.Status = model.StatusScheduled
		if err := l.repo.UpdateBody(ctx, n); err != nil {
			l.logger.Error("Failed to update notification", zap.String("notification_id", n.ID), zap.Error(err))
		}
		if err := l.repo.AddDue(ctx, n.ID, n.DueAt); err != nil {
			l.logger.Error("Failed to re-index notification", zap.String("notification_id", n.ID), zap.Error(err))
		}
		if err := l.repo.ClearClaim(ctx, n.ID); err != nil {
			l.logger.Error("Failed to clear claim", zap.String("notification_id", n.ID), zap.Error(err))
		}

		metrics.NotificationsProcessed.WithLabelValues("retried").Inc()
		l.logger.Info("Notification rescheduled",
			zap.String("notification_id", n.ID),
			zap.Int("attempt", n.Attempts),
			zap.Int("max_attempts", n.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.String("cause", cause),
		)
		return
	}

	metrics.NotificationsProcessed.WithLabelValues("failed").Inc()
	l.finishTerminal(ctx, n, model.StatusFailed, cause)
	l.publish("notification.failed", notificationFailedEvent{
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		Channel:        string(n.Channel),
		Error:          cause,
		Attempts:       n.Attempts,
	})
}

func (l *Loop) finishTerminal(ctx context.Context, n *model.ScheduledNotification, status model.NotificationStatus, cause string) {
	ok, err := l.repo.TransitionStatus(ctx, n.ID, model.StatusProcessing, status)
	if err != nil || !ok {
		l.logger.Error("Failed terminal transition",
			zap.String("notification_id", n.ID),
			zap.String("status", string(status)),
			zap.Bool("cas_ok", ok),
			zap.Error(err),
		)
	}
	n.Status = status
	if cause != "" {
		n.LastError = cause
	}
	if err := l.repo.UpdateBody(ctx, n); err != nil {
		l.logger.Error("Failed to update notification", zap.String("notification_id", n.ID), zap.Error(err))
	}
	if err := l.repo.ClearClaim(ctx, n.ID); err != nil {
		l.logger.Error("Failed to clear claim", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

// reclaimExpired returns notifications stuck in processing past their claim
// deadline to the scheduled state so a later pass can retry them. This is
// how the engine recovers from a crashed claimant.
func (l *Loop) reclaimExpired(ctx context.Context) {
	now := l.now().UTC()
	ids, err := l.repo.ExpiredClaims(ctx, now, int64(l.cfg.BatchSize))
	if err != nil {
		l.logger.Error("Failed to query expired claims", zap.Error(err))
		return
	}

	for _, id := range ids {
		ok, err := l.repo.TransitionStatus(ctx, id, model.StatusProcessing, model.StatusScheduled)
		if err != nil {
			l.logger.Error("Failed to reclaim notification", zap.String("notification_id", id), zap.Error(err))
			continue
		}
		if err := l.repo.ClearClaim(ctx, id); err != nil {
			l.logger.Error("Failed to clear expired claim", zap.String("notification_id", id), zap.Error(err))
		}
		if !ok {
			// already terminal; the deadline entry was stale
			continue
		}

		if err := l.repo.AddDue(ctx, id, now); err != nil {
			l.logger.Error("Failed to re-index reclaimed notification", zap.String("notification_id", id), zap.Error(err))
			continue
		}
		metrics.StuckReclaims.Inc()
		l.logger.Warn("Reclaimed stuck notification", zap.String("notification_id", id))
	}
}

func (l *Loop) backoff(attempt int) time.Duration {
	delay := l.cfg.BackoffBase << uint(attempt-1)
	if delay > l.cfg.BackoffMax || delay <= 0 {
		delay = l.cfg.BackoffMax
	}
	return delay
}

func (l *Loop) publish(routingKey string, payload any) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(routingKey, payload); err != nil {
		l.logger.Error("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
