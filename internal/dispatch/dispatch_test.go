package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/store"
	"notifyhub/pkg/config"
)

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, contentRef string, _ map[string]string) (*RenderedContent, error) {
	return &RenderedContent{Subject: contentRef, BodyText: "body"}, nil
}

type fakeMessageProvider struct {
	mu    sync.Mutex
	sent  []string
	fail  map[string]*ClassifiedError
}

func (p *fakeMessageProvider) Send(_ context.Context, msg *OutboundMessage) (*SendReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[msg.Address]; ok {
		return nil, err
	}
	p.sent = append(p.sent, msg.Address)
	return &SendReceipt{ProviderMessageID: "pm-1"}, nil
}

func (p *fakeMessageProvider) SendBulk(ctx context.Context, msgs []*OutboundMessage) ([]AddressOutcome, error) {
	out := make([]AddressOutcome, len(msgs))
	for i, m := range msgs {
		_, err := p.Send(ctx, m)
		out[i] = AddressOutcome{Address: m.Address, Success: err == nil}
	}
	return out, nil
}

type fakePushProvider struct {
	fail map[string]*ClassifiedError
	sent [][]string
}

func (p *fakePushProvider) SendMulticast(_ context.Context, tokens []string, _ *PushPayload) ([]AddressOutcome, error) {
	p.sent = append(p.sent, tokens)
	out := make([]AddressOutcome, len(tokens))
	for i, tok := range tokens {
		if err, ok := p.fail[tok]; ok {
			out[i] = AddressOutcome{Address: tok, Err: err}
			continue
		}
		out[i] = AddressOutcome{Address: tok, Success: true}
	}
	return out, nil
}

func (p *fakePushProvider) SubscribeTopic(context.Context, []string, string) error   { return nil }
func (p *fakePushProvider) UnsubscribeTopic(context.Context, []string, string) error { return nil }

type memDeliveryLog struct {
	mu      sync.Mutex
	results []*model.DeliveryResult
}

func (l *memDeliveryLog) Append(_ context.Context, res *model.DeliveryResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, res)
	return nil
}

func (l *memDeliveryLog) ListByNotification(_ context.Context, id string) ([]*model.DeliveryResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.DeliveryResult
	for _, r := range l.results {
		if r.NotificationID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

type harness struct {
	store      *store.MemoryStore
	audience   *repository.AudienceRepository
	tracker    *Tracker
	dispatcher *Dispatcher
	message    *fakeMessageProvider
	push       *fakePushProvider
	log        *memDeliveryLog
}

func newHarness(t *testing.T, cfg config.LifecycleConfig) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	audience := repository.NewAudienceRepository(s, zap.NewNop())
	tracker := NewTracker(audience, s, cfg, zap.NewNop())
	message := &fakeMessageProvider{fail: make(map[string]*ClassifiedError)}
	push := &fakePushProvider{fail: make(map[string]*ClassifiedError)}
	log := &memDeliveryLog{}
	d := NewDispatcher(message, push, fakeRenderer{}, audience, tracker, log, s, cfg, zap.NewNop())
	return &harness{store: s, audience: audience, tracker: tracker, dispatcher: d, message: message, push: push, log: log}
}

func defaultLifecycle() config.LifecycleConfig {
	return config.LifecycleConfig{
		TransientThreshold: 3,
		TransientWindow:    time.Hour,
		FloodWindow:        time.Hour,
		FloodMaxPerWindow:  100,
	}
}

func (h *harness) register(t *testing.T, recipient string, channel model.Channel, value string) *model.RecipientAddress {
	t.Helper()
	addr, err := h.tracker.Register(context.Background(), recipient, channel, value)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return addr
}

func TestDispatchSuccessRecordsResult(t *testing.T) {
	h := newHarness(t, defaultLifecycle())
	h.register(t, "r1", model.ChannelMessage, "r1@example.com")

	res, err := h.dispatcher.Dispatch(context.Background(), Item{
		NotificationID: "n1",
		RecipientID:    "r1",
		Channel:        model.ChannelMessage,
		Category:       "marketing",
		ContentRef:     "tpl-1",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(h.log.results) != 1 {
		t.Fatalf("expected one delivery result, got %d", len(h.log.results))
	}
	if len(h.message.sent) != 1 || h.message.sent[0] != "r1@example.com" {
		t.Fatalf("unexpected sends: %v", h.message.sent)
	}
}

func TestDispatchNoValidAddressIsPermanent(t *testing.T) {
	h := newHarness(t, defaultLifecycle())

	res, err := h.dispatcher.Dispatch(context.Background(), Item{
		NotificationID: "n1",
		RecipientID:    "r1",
		Channel:        model.ChannelMessage,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Success || res.ErrorClass != model.ErrorPermanent {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}

func TestPermanentErrorInvalidatesAddress(t *testing.T) {
	h := newHarness(t, defaultLifecycle())
	addr := h.register(t, "r1", model.ChannelMessage, "gone@example.com")
	h.message.fail["gone@example.com"] = NewClassifiedError(model.ErrorPermanent, "mailbox does not exist")

	res, err := h.dispatcher.Dispatch(context.Background(), Item{NotificationID: "n1", RecipientID: "r1", Channel: model.ChannelMessage})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Success || res.ErrorClass != model.ErrorPermanent {
		t.Fatalf("expected permanent failure, got %+v", res)
	}

	stored, err := h.audience.GetAddress(context.Background(), addr.ID)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if stored.Validity != model.AddressInvalid {
		t.Fatalf("expected invalid address, got %s", stored.Validity)
	}

	// invalidated addresses are excluded from the next dispatch
	res, err = h.dispatcher.Dispatch(context.Background(), Item{NotificationID: "n2", RecipientID: "r1", Channel: model.ChannelMessage})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Error != "no valid address for recipient" {
		t.Fatalf("expected address exclusion, got %+v", res)
	}
}

func TestTransientThresholdInvalidatesAddress(t *testing.T) {
	cfg := defaultLifecycle()
	cfg.TransientThreshold = 3
	h := newHarness(t, cfg)
	addr := h.register(t, "r1", model.ChannelMessage, "flaky@example.com")
	h.message.fail["flaky@example.com"] = NewClassifiedError(model.ErrorTransient, "provider timeout")

	for i := 0; i < 3; i++ {
		if _, err := h.dispatcher.Dispatch(context.Background(), Item{NotificationID: "n1", RecipientID: "r1", Channel: model.ChannelMessage}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	stored, err := h.audience.GetAddress(context.Background(), addr.ID)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if stored.Validity != model.AddressInvalid {
		t.Fatalf("expected threshold invalidation after 3 transient failures, got %s", stored.Validity)
	}
}

func TestSuccessResetsTransientCounter(t *testing.T) {
	cfg := defaultLifecycle()
	cfg.TransientThreshold = 3
	h := newHarness(t, cfg)
	addr := h.register(t, "r1", model.ChannelMessage, "mostly@example.com")

	h.message.fail["mostly@example.com"] = NewClassifiedError(model.ErrorTransient, "provider timeout")
	for i := 0; i < 2; i++ {
		if _, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelMessage}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	delete(h.message.fail, "mostly@example.com")
	if _, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelMessage}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	h.message.fail["mostly@example.com"] = NewClassifiedError(model.ErrorTransient, "provider timeout")
	for i := 0; i < 2; i++ {
		if _, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelMessage}); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	stored, err := h.audience.GetAddress(context.Background(), addr.ID)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if stored.Validity == model.AddressInvalid {
		t.Fatal("success must reset the consecutive-failure counter")
	}
}

func TestReregisterResetsInvalidAddress(t *testing.T) {
	h := newHarness(t, defaultLifecycle())
	addr := h.register(t, "r1", model.ChannelPush, "token-1")

	if err := h.tracker.Unregister(context.Background(), addr.ID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	stored, _ := h.audience.GetAddress(context.Background(), addr.ID)
	if stored.Validity != model.AddressInvalid {
		t.Fatalf("expected invalid after unregister, got %s", stored.Validity)
	}

	again := h.register(t, "r1", model.ChannelPush, "token-1")
	if again.ID != addr.ID {
		t.Fatalf("re-registration must reuse the address, got %s and %s", addr.ID, again.ID)
	}
	if again.Validity != model.AddressValid || again.TransientFailures != 0 {
		t.Fatalf("expected reset address, got %+v", again)
	}
}

func TestFloodWindowBlocksMessageChannel(t *testing.T) {
	cfg := defaultLifecycle()
	cfg.FloodMaxPerWindow = 2
	h := newHarness(t, cfg)
	h.register(t, "r1", model.ChannelMessage, "r1@example.com")

	for i := 0; i < 2; i++ {
		res, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelMessage})
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if !res.Success {
			t.Fatalf("dispatch %d unexpectedly failed: %+v", i, res)
		}
	}

	res, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelMessage})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Success || res.ErrorClass != model.ErrorTransient {
		t.Fatalf("expected flood block as transient, got %+v", res)
	}
	if len(h.message.sent) != 2 {
		t.Fatalf("provider must not be called past the flood limit, sent %d", len(h.message.sent))
	}
}

func TestPushMulticastPerTokenOutcomes(t *testing.T) {
	h := newHarness(t, defaultLifecycle())
	good := h.register(t, "r1", model.ChannelPush, "token-good")
	bad := h.register(t, "r1", model.ChannelPush, "token-dead")
	h.push.fail["token-dead"] = NewClassifiedError(model.ErrorPermanent, "unregistered token")

	res, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelPush})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Success {
		t.Fatalf("one live token should make the dispatch succeed, got %+v", res)
	}

	deadStored, _ := h.audience.GetAddress(context.Background(), bad.ID)
	if deadStored.Validity != model.AddressInvalid {
		t.Fatalf("dead token should be invalidated, got %s", deadStored.Validity)
	}
	goodStored, _ := h.audience.GetAddress(context.Background(), good.ID)
	if goodStored.Validity != model.AddressValid {
		t.Fatalf("live token should stay valid, got %s", goodStored.Validity)
	}
}

func TestMultiChannelUsesBothProviders(t *testing.T) {
	h := newHarness(t, defaultLifecycle())
	h.register(t, "r1", model.ChannelMessage, "r1@example.com")
	h.register(t, "r1", model.ChannelPush, "token-1")

	res, err := h.dispatcher.Dispatch(context.Background(), Item{RecipientID: "r1", Channel: model.ChannelMulti})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(h.message.sent) != 1 {
		t.Fatalf("expected one message send, got %d", len(h.message.sent))
	}
	if len(h.push.sent) != 1 {
		t.Fatalf("expected one multicast, got %d", len(h.push.sent))
	}
}
