package dispatch

import (
	"context"
	"fmt"

	"notifyhub/internal/model"
)

// ClassifiedError is the structured error contract channel providers must
// return. The class drives retry and lifecycle decisions; the message is for
// logs only.
type ClassifiedError struct {
	Class   model.ErrorClass
	Message string
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func NewClassifiedError(class model.ErrorClass, message string) *ClassifiedError {
	return &ClassifiedError{Class: class, Message: message}
}

// Classify extracts the error class from a provider error. Errors a provider
// failed to classify are treated as "other": logged, no retry, no lifecycle
// transition.
func Classify(err error) model.ErrorClass {
	if err == nil {
		return model.ErrorNone
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce.Class
	}
	return model.ErrorOther
}

// RenderedContent is what the external renderer produces from a content
// reference. The core never inspects it.
type RenderedContent struct {
	Subject  string
	BodyHTML string
	BodyText string
}

type Renderer interface {
	Render(ctx context.Context, contentRef string, data map[string]string) (*RenderedContent, error)
}

type OutboundMessage struct {
	Address string
	Content *RenderedContent
}

type SendReceipt struct {
	ProviderMessageID string
}

// AddressOutcome is a per-address result of a bulk or multicast send.
type AddressOutcome struct {
	Address string
	Success bool
	Err     *ClassifiedError
}

// MessageProvider is the external message-channel transport (email, SMS).
type MessageProvider interface {
	Send(ctx context.Context, msg *OutboundMessage) (*SendReceipt, error)
	SendBulk(ctx context.Context, msgs []*OutboundMessage) ([]AddressOutcome, error)
}

type PushPayload struct {
	Title string
	Body  string
	Data  map[string]string
}

// PushProvider is the external push-channel transport. SendMulticast submits
// many tokens in one call and reports per-token outcomes.
type PushProvider interface {
	SendMulticast(ctx context.Context, tokens []string, payload *PushPayload) ([]AddressOutcome, error)
	SubscribeTopic(ctx context.Context, tokens []string, topic string) error
	UnsubscribeTopic(ctx context.Context, tokens []string, topic string) error
}

// EventPublisher is the outbound event hook; pkg/mq.Publisher satisfies it.
// Publishing is best-effort and never fails a dispatch.
type EventPublisher interface {
	Publish(routingKey string, payload any) error
}
