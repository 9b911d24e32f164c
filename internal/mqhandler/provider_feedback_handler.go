package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"notifyhub/internal/compliance"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

// Feedback event kinds emitted by delivery providers.
const (
	FeedbackHardBounce   = "hard_bounce"
	FeedbackSoftBounce   = "soft_bounce"
	FeedbackComplaint    = "complaint"
	FeedbackUnsubscribe  = "unsubscribe"
	FeedbackResubscribe  = "resubscribe"
	FeedbackTokenExpired = "token_expired"
)

// ProviderFeedbackPayload is the message shape on the provider.feedback
// routing key.
type ProviderFeedbackPayload struct {
	Kind        string `json:"kind"`
	RecipientID string `json:"recipient_id"`
	Channel     string `json:"channel,omitempty"`
	Address     string `json:"address,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// DLQPublisher receives payloads the handler cannot decode. Routing them
// aside instead of nacking keeps one poison message from blocking the queue.
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// ProviderFeedbackHandler folds asynchronous provider feedback back into
// compliance and address lifecycle state.
type ProviderFeedbackHandler struct {
	gate    *compliance.Gate
	tracker *dispatch.Tracker
	dlq     DLQPublisher
	logger  *zap.Logger
}

func NewProviderFeedbackHandler(gate *compliance.Gate, tracker *dispatch.Tracker, dlq DLQPublisher, logger *zap.Logger) *ProviderFeedbackHandler {
	return &ProviderFeedbackHandler{
		gate:    gate,
		tracker: tracker,
		dlq:     dlq,
		logger:  logger,
	}
}

func (h *ProviderFeedbackHandler) HandleFeedback(ctx context.Context, raw json.RawMessage) error {
	var p ProviderFeedbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal provider feedback", zap.Error(err))
		return h.toDLQ(raw, err.Error())
	}
	if p.RecipientID == "" {
		h.logger.Error("Provider feedback without recipient id", zap.String("kind", p.Kind))
		return h.toDLQ(raw, "missing recipient_id")
	}

	h.logger.Info("Processing provider feedback",
		zap.String("kind", p.Kind),
		zap.String("recipient_id", p.RecipientID),
	)

	switch p.Kind {
	case FeedbackHardBounce:
		if err := h.gate.ProcessSuppressionEvent(ctx, p.RecipientID, model.ReasonHardBounce); err != nil {
			return err
		}
		return h.invalidateAddress(ctx, &p, "hard_bounce")

	case FeedbackComplaint:
		return h.gate.ProcessSuppressionEvent(ctx, p.RecipientID, model.ReasonComplaint)

	case FeedbackUnsubscribe:
		return h.gate.ProcessSuppressionEvent(ctx, p.RecipientID, model.ReasonUnsubscribe)

	case FeedbackResubscribe:
		return h.gate.Resubscribe(ctx, p.RecipientID, nil)

	case FeedbackTokenExpired:
		return h.invalidateAddress(ctx, &p, "token_expired")

	case FeedbackSoftBounce:
		// transient by definition; the dispatcher's own outcome tracking
		// already counts these, so feedback is informational
		h.logger.Info("Soft bounce feedback",
			zap.String("recipient_id", p.RecipientID),
			zap.String("detail", p.Detail),
		)
		return nil

	default:
		h.logger.Warn("Unknown feedback kind", zap.String("kind", p.Kind))
		return nil
	}
}

// toDLQ parks an unprocessable payload and returns nil so the consumer acks
// the original. Returning an error would requeue the same poison message.
func (h *ProviderFeedbackHandler) toDLQ(raw json.RawMessage, cause string) error {
	if h.dlq == nil {
		return fmt.Errorf("unprocessable feedback: %s", cause)
	}
	if err := h.dlq.PublishToDLQ("provider.feedback", raw, cause); err != nil {
		return fmt.Errorf("failed to route feedback to DLQ: %w", err)
	}
	return nil
}

func (h *ProviderFeedbackHandler) invalidateAddress(ctx context.Context, p *ProviderFeedbackPayload, cause string) error {
	if p.Address == "" {
		return nil
	}
	err := h.tracker.InvalidateValue(ctx, p.RecipientID, model.Channel(p.Channel), p.Address, cause)
	if err == store.ErrNotFound {
		// feedback can outlive the address it refers to
		h.logger.Warn("Feedback for unknown address",
			zap.String("recipient_id", p.RecipientID),
			zap.String("cause", cause),
		)
		return nil
	}
	return err
}
