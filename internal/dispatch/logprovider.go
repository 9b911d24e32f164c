package dispatch

import (
	"context"

	"go.uber.org/zap"
)

// LogProvider is a dry-run provider: every send succeeds and is logged. It
// stands in for a real transport integration in development deployments.
type LogProvider struct {
	logger *zap.Logger
}

func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, msg *OutboundMessage) (*SendReceipt, error) {
	p.logger.Info("Dry-run send",
		zap.String("address", msg.Address),
		zap.String("subject", msg.Content.Subject),
	)
	return &SendReceipt{ProviderMessageID: "dry-run"}, nil
}

func (p *LogProvider) SendBulk(ctx context.Context, msgs []*OutboundMessage) ([]AddressOutcome, error) {
	out := make([]AddressOutcome, len(msgs))
	for i, m := range msgs {
		_, err := p.Send(ctx, m)
		out[i] = AddressOutcome{Address: m.Address, Success: err == nil}
	}
	return out, nil
}

func (p *LogProvider) SendMulticast(_ context.Context, tokens []string, payload *PushPayload) ([]AddressOutcome, error) {
	p.logger.Info("Dry-run multicast",
		zap.Int("tokens", len(tokens)),
		zap.String("title", payload.Title),
	)
	out := make([]AddressOutcome, len(tokens))
	for i, tok := range tokens {
		out[i] = AddressOutcome{Address: tok, Success: true}
	}
	return out, nil
}

func (p *LogProvider) SubscribeTopic(context.Context, []string, string) error   { return nil }
func (p *LogProvider) UnsubscribeTopic(context.Context, []string, string) error { return nil }

// PassthroughRenderer treats the content ref itself as the rendered subject.
// Real deployments inject the template service client instead.
type PassthroughRenderer struct{}

func (PassthroughRenderer) Render(_ context.Context, contentRef string, _ map[string]string) (*RenderedContent, error) {
	return &RenderedContent{Subject: contentRef, BodyText: contentRef}, nil
}
