package mqhandler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/compliance"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/store"
	"notifyhub/pkg/config"
)

type fakeDLQ struct {
	parked []string
}

func (d *fakeDLQ) PublishToDLQ(_ string, _ []byte, cause string) error {
	d.parked = append(d.parked, cause)
	return nil
}

type feedbackRig struct {
	records  *repository.ComplianceRepository
	audience *repository.AudienceRepository
	gate     *compliance.Gate
	tracker  *dispatch.Tracker
	dlq      *fakeDLQ
	handler  *ProviderFeedbackHandler
}

func newFeedbackRig(t *testing.T) *feedbackRig {
	t.Helper()
	s := store.NewMemoryStore()
	log := zap.NewNop()

	records := repository.NewComplianceRepository(s, log)
	gate := compliance.NewGate(records, s, config.ComplianceConfig{
		RateWindow:     time.Hour,
		RateDefaultMax: 1000,
	}, log)
	audience := repository.NewAudienceRepository(s, log)
	tracker := dispatch.NewTracker(audience, s, config.LifecycleConfig{
		TransientThreshold: 3,
		TransientWindow:    time.Hour,
	}, log)

	dlq := &fakeDLQ{}
	return &feedbackRig{
		records:  records,
		audience: audience,
		gate:     gate,
		tracker:  tracker,
		dlq:      dlq,
		handler:  NewProviderFeedbackHandler(gate, tracker, dlq, log),
	}
}

func (r *feedbackRig) handle(t *testing.T, p ProviderFeedbackPayload) {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := r.handler.HandleFeedback(context.Background(), raw); err != nil {
		t.Fatalf("handle feedback: %v", err)
	}
}

func TestHardBounceSuppressesAndInvalidates(t *testing.T) {
	r := newFeedbackRig(t)
	ctx := context.Background()

	addr, err := r.tracker.Register(ctx, "r1", model.ChannelMessage, "r1@example.com")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.handle(t, ProviderFeedbackPayload{
		Kind:        FeedbackHardBounce,
		RecipientID: "r1",
		Channel:     "message",
		Address:     "r1@example.com",
	})

	rec, err := r.records.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if !rec.Suppressed || rec.SuppressionReason != model.ReasonHardBounce {
		t.Fatalf("expected hard bounce suppression, got %+v", rec)
	}

	decision, err := r.gate.Check(ctx, "r1", "marketing", model.ChannelMessage)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("suppressed recipient must be blocked")
	}

	got, err := r.audience.GetAddress(ctx, addr.ID)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if got.Validity != model.AddressInvalid {
		t.Fatalf("expected address invalidated, got %s", got.Validity)
	}
}

func TestUnsubscribeThenResubscribe(t *testing.T) {
	r := newFeedbackRig(t)
	ctx := context.Background()

	if err := r.gate.RecordConsent(ctx, "r2", []string{"marketing"}); err != nil {
		t.Fatalf("consent: %v", err)
	}

	r.handle(t, ProviderFeedbackPayload{Kind: FeedbackUnsubscribe, RecipientID: "r2"})
	decision, err := r.gate.Check(ctx, "r2", "marketing", model.ChannelMessage)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("unsubscribed recipient must be blocked")
	}

	r.handle(t, ProviderFeedbackPayload{Kind: FeedbackResubscribe, RecipientID: "r2"})
	decision, err = r.gate.Check(ctx, "r2", "marketing", model.ChannelMessage)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("resubscribed recipient must be allowed, got %q", decision.Reason)
	}
}

func TestTokenExpiredInvalidatesOnlyTheToken(t *testing.T) {
	r := newFeedbackRig(t)
	ctx := context.Background()

	dead, err := r.tracker.Register(ctx, "r3", model.ChannelPush, "tok-dead")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	live, err := r.tracker.Register(ctx, "r3", model.ChannelPush, "tok-live")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r.handle(t, ProviderFeedbackPayload{
		Kind:        FeedbackTokenExpired,
		RecipientID: "r3",
		Channel:     "push",
		Address:     "tok-dead",
	})

	gotDead, err := r.audience.GetAddress(ctx, dead.ID)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if gotDead.Validity != model.AddressInvalid {
		t.Fatalf("expected expired token invalidated, got %s", gotDead.Validity)
	}
	gotLive, err := r.audience.GetAddress(ctx, live.ID)
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if gotLive.Validity != model.AddressValid {
		t.Fatalf("sibling token must stay valid, got %s", gotLive.Validity)
	}

	// feedback for an address we no longer know is dropped, not an error
	r.handle(t, ProviderFeedbackPayload{
		Kind:        FeedbackTokenExpired,
		RecipientID: "r3",
		Channel:     "push",
		Address:     "tok-unknown",
	})
}

func TestMalformedFeedbackGoesToDLQ(t *testing.T) {
	r := newFeedbackRig(t)

	if err := r.handler.HandleFeedback(context.Background(), json.RawMessage(`{not json`)); err != nil {
		t.Fatalf("poison payload must be parked, not requeued: %v", err)
	}
	if err := r.handler.HandleFeedback(context.Background(), json.RawMessage(`{"kind":"hard_bounce"}`)); err != nil {
		t.Fatalf("payload without recipient must be parked: %v", err)
	}
	if len(r.dlq.parked) != 2 {
		t.Fatalf("expected 2 parked payloads, got %d", len(r.dlq.parked))
	}
}

func TestUnknownFeedbackKindIsIgnored(t *testing.T) {
	r := newFeedbackRig(t)
	r.handle(t, ProviderFeedbackPayload{Kind: "carrier_pigeon_lost", RecipientID: "r4"})
}
