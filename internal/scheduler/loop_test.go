package scheduler

import (
	"context"
	"sync"
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

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, ref string, _ map[string]string) (*dispatch.RenderedContent, error) {
	return &dispatch.RenderedContent{Subject: ref, BodyText: "body"}, nil
}

type fakeMessageProvider struct {
	mu   sync.Mutex
	sent []string
	fail map[string]*dispatch.ClassifiedError
}

func (p *fakeMessageProvider) Send(_ context.Context, msg *dispatch.OutboundMessage) (*dispatch.SendReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.fail[msg.Address]; ok {
		return nil, err
	}
	p.sent = append(p.sent, msg.Address)
	return &dispatch.SendReceipt{}, nil
}

func (p *fakeMessageProvider) SendBulk(ctx context.Context, msgs []*dispatch.OutboundMessage) ([]dispatch.AddressOutcome, error) {
	out := make([]dispatch.AddressOutcome, len(msgs))
	for i, m := range msgs {
		_, err := p.Send(ctx, m)
		out[i] = dispatch.AddressOutcome{Address: m.Address, Success: err == nil}
	}
	return out, nil
}

func (p *fakeMessageProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakePushProvider struct{}

func (fakePushProvider) SendMulticast(_ context.Context, tokens []string, _ *dispatch.PushPayload) ([]dispatch.AddressOutcome, error) {
	out := make([]dispatch.AddressOutcome, len(tokens))
	for i, tok := range tokens {
		out[i] = dispatch.AddressOutcome{Address: tok, Success: true}
	}
	return out, nil
}

func (fakePushProvider) SubscribeTopic(context.Context, []string, string) error   { return nil }
func (fakePushProvider) UnsubscribeTopic(context.Context, []string, string) error { return nil }

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

func (l *memDeliveryLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(routingKey string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

type testEngine struct {
	store    *store.MemoryStore
	repo     *repository.NotificationRepository
	audience *repository.AudienceRepository
	gate     *compliance.Gate
	tracker  *dispatch.Tracker
	service  *Service
	loop     *Loop
	message  *fakeMessageProvider
	log      *memDeliveryLog
	events   *recordingPublisher
	cfg      config.SchedulerConfig
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	logger := zap.NewNop()
	s := store.NewMemoryStore()

	repo := repository.NewNotificationRepository(s, logger)
	audience := repository.NewAudienceRepository(s, logger)
	complianceRepo := repository.NewComplianceRepository(s, logger)

	gate := compliance.NewGate(complianceRepo, s, config.ComplianceConfig{
		RateWindow:     24 * time.Hour,
		RateDefaultMax: 100,
	}, logger)

	lifecycle := config.LifecycleConfig{
		TransientThreshold: 10,
		TransientWindow:    time.Hour,
		FloodWindow:        time.Hour,
		FloodMaxPerWindow:  1000,
	}
	tracker := dispatch.NewTracker(audience, s, lifecycle, logger)
	message := &fakeMessageProvider{fail: make(map[string]*dispatch.ClassifiedError)}
	log := &memDeliveryLog{}
	dispatcher := dispatch.NewDispatcher(message, fakePushProvider{}, fakeRenderer{}, audience, tracker, log, s, lifecycle, logger)

	cfg := config.SchedulerConfig{
		PollInterval: time.Minute,
		BatchSize:    100,
		ClaimTimeout: 5 * time.Minute,
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffMax:   time.Hour,
	}
	events := &recordingPublisher{}

	return &testEngine{
		store:    s,
		repo:     repo,
		audience: audience,
		gate:     gate,
		tracker:  tracker,
		service:  NewService(repo, cfg, logger),
		loop:     NewLoop(repo, gate, dispatcher, events, cfg, logger),
		message:  message,
		log:      log,
		events:   events,
		cfg:      cfg,
	}
}

// addRecipient registers a consented recipient with one message address.
func (e *testEngine) addRecipient(t *testing.T, id, address string, categories ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.tracker.Register(ctx, id, model.ChannelMessage, address); err != nil {
		t.Fatalf("register address: %v", err)
	}
	if len(categories) > 0 {
		if err := e.gate.RecordConsent(ctx, id, categories); err != nil {
			t.Fatalf("record consent: %v", err)
		}
	}
}

func (e *testEngine) schedule(t *testing.T, recipient, category string, dueAt time.Time) string {
	t.Helper()
	id, err := e.service.ScheduleNotification(context.Background(), ScheduleSpec{
		Channel:     model.ChannelMessage,
		RecipientID: recipient,
		Category:    category,
		PayloadRef:  "tpl-1",
		DueAt:       dueAt,
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return id
}

func (e *testEngine) status(t *testing.T, id string) model.NotificationStatus {
	t.Helper()
	status, err := e.service.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	return status
}

func TestRunOnceCompletesDueNotification(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	e.loop.RunOnce(context.Background())

	if got := e.status(t, id); got != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	results, err := e.log.ListByNotification(context.Background(), id)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one delivery result, got %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("expected successful result, got %+v", results[0])
	}
}

func TestFutureNotificationIsNotProcessed(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(time.Hour))

	e.loop.RunOnce(context.Background())

	if got := e.status(t, id); got != model.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", got)
	}
	if e.message.sentCount() != 0 {
		t.Fatalf("expected no sends, got %d", e.message.sentCount())
	}
}

func TestConcurrentClaimDispatchesOnce(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	second := NewLoop(e.repo, e.gate, e.loop.dispatcher, nil, e.cfg, zap.NewNop())

	var wg sync.WaitGroup
	for _, l := range []*Loop{e.loop, second} {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.RunOnce(context.Background())
		}(l)
	}
	wg.Wait()

	if e.message.sentCount() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", e.message.sentCount())
	}
	if got := e.status(t, id); got != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if e.log.count() != 1 {
		t.Fatalf("expected one delivery result, got %d", e.log.count())
	}
}

func TestLostClaimKeepsLiveDueEntry(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	// another instance holds the claim; it may be about to reschedule
	ctx := context.Background()
	claimed, err := e.repo.TransitionStatus(ctx, id, model.StatusScheduled, model.StatusProcessing)
	if err != nil || !claimed {
		t.Fatalf("claim: ok=%v err=%v", claimed, err)
	}

	e.loop.RunOnce(ctx)

	if e.message.sentCount() != 0 {
		t.Fatalf("loser must not dispatch, got %d sends", e.message.sentCount())
	}
	due, err := e.repo.DueBefore(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0] != id {
		t.Fatalf("loser must keep the due entry for a live notification, got %v", due)
	}

	// the holder releases it back to scheduled; the next pass delivers
	released, err := e.repo.TransitionStatus(ctx, id, model.StatusProcessing, model.StatusScheduled)
	if err != nil || !released {
		t.Fatalf("release: ok=%v err=%v", released, err)
	}
	e.loop.RunOnce(ctx)

	if got := e.status(t, id); got != model.StatusCompleted {
		t.Fatalf("expected completed after release, got %s", got)
	}
	if e.message.sentCount() != 1 {
		t.Fatalf("expected one send, got %d", e.message.sentCount())
	}
}

func TestLostClaimPrunesTerminalDueEntry(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	// a finished notification whose winner never removed the due entry
	ctx := context.Background()
	claimed, err := e.repo.TransitionStatus(ctx, id, model.StatusScheduled, model.StatusProcessing)
	if err != nil || !claimed {
		t.Fatalf("claim: ok=%v err=%v", claimed, err)
	}
	done, err := e.repo.TransitionStatus(ctx, id, model.StatusProcessing, model.StatusCompleted)
	if err != nil || !done {
		t.Fatalf("complete: ok=%v err=%v", done, err)
	}

	e.loop.RunOnce(ctx)

	if e.message.sentCount() != 0 {
		t.Fatalf("terminal notification must not dispatch, got %d sends", e.message.sentCount())
	}
	due, err := e.repo.DueBefore(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("stale entry for a terminal notification must be pruned, got %v", due)
	}
}

func TestTransientFailureReschedulesWithBackoff(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	e.message.fail["r1@example.com"] = dispatch.NewClassifiedError(model.ErrorTransient, "provider timeout")

	base := time.Now().UTC()
	e.loop.now = func() time.Time { return base }
	id := e.schedule(t, "r1", "marketing", base.Add(-time.Second))

	e.loop.RunOnce(context.Background())

	n, err := e.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.Status != model.StatusScheduled {
		t.Fatalf("expected rescheduled, got %s", n.Status)
	}
	if n.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", n.Attempts)
	}
	if want := base.Add(time.Minute); !n.DueAt.Equal(want) {
		t.Fatalf("expected backoff due %v, got %v", want, n.DueAt)
	}
}

func TestAttemptsExhaustedBecomesFailed(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	e.message.fail["r1@example.com"] = dispatch.NewClassifiedError(model.ErrorTransient, "provider timeout")

	now := time.Now().UTC()
	id := e.schedule(t, "r1", "marketing", now.Add(-time.Second))

	// each pass runs one attempt; push the clock past every backoff
	for i := 0; i < e.cfg.MaxAttempts; i++ {
		offset := time.Duration(i) * 2 * e.cfg.BackoffMax
		e.loop.now = func() time.Time { return now.Add(offset) }
		e.loop.RunOnce(context.Background())
	}

	n, err := e.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.Status != model.StatusFailed {
		t.Fatalf("expected failed after exhausting attempts, got %s", n.Status)
	}
	if n.Attempts != e.cfg.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", e.cfg.MaxAttempts, n.Attempts)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	e.message.fail["r1@example.com"] = dispatch.NewClassifiedError(model.ErrorPermanent, "mailbox does not exist")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	e.loop.RunOnce(context.Background())

	n, err := e.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", n.Status)
	}
	if n.Attempts != 1 {
		t.Fatalf("permanent failure must not retry, got %d attempts", n.Attempts)
	}
}

func TestCancelBeforeClaim(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	ok, err := e.service.CancelNotification(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("expected cancel to succeed before claim")
	}

	e.loop.RunOnce(context.Background())

	if got := e.status(t, id); got != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if e.message.sentCount() != 0 {
		t.Fatalf("cancelled notification must not dispatch, got %d sends", e.message.sentCount())
	}
}

func TestCancelAfterClaimIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	claimed, err := e.repo.TransitionStatus(context.Background(), id, model.StatusScheduled, model.StatusProcessing)
	if err != nil || !claimed {
		t.Fatalf("claim: ok=%v err=%v", claimed, err)
	}

	ok, err := e.service.CancelNotification(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("cancel after claim must be a no-op")
	}
}

func TestSuppressedRecipientIsBlocked(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	if err := e.gate.ProcessSuppressionEvent(context.Background(), "r1", model.ReasonUnsubscribe); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	e.loop.RunOnce(context.Background())

	if got := e.status(t, id); got != model.StatusCancelled {
		t.Fatalf("expected blocked notification to end cancelled, got %s", got)
	}
	if e.message.sentCount() != 0 {
		t.Fatalf("suppressed recipient must receive zero sends, got %d", e.message.sentCount())
	}
	if e.log.count() != 0 {
		t.Fatalf("blocked items must not produce delivery results, got %d", e.log.count())
	}
}

func TestSuppressedRecipientStillGetsTransactional(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com")
	if err := e.gate.ProcessSuppressionEvent(context.Background(), "r1", model.ReasonUnsubscribe); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	id := e.schedule(t, "r1", model.CategoryTransactional, time.Now().Add(-time.Second))

	e.loop.RunOnce(context.Background())

	if got := e.status(t, id); got != model.StatusCompleted {
		t.Fatalf("expected transactional send to complete, got %s", got)
	}
	if e.message.sentCount() != 1 {
		t.Fatalf("expected one send, got %d", e.message.sentCount())
	}
}

func TestReclaimStuckProcessing(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	id := e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	// simulate a claimant that crashed after claiming
	ctx := context.Background()
	claimed, err := e.repo.TransitionStatus(ctx, id, model.StatusScheduled, model.StatusProcessing)
	if err != nil || !claimed {
		t.Fatalf("claim: ok=%v err=%v", claimed, err)
	}
	if err := e.repo.RemoveDue(ctx, id); err != nil {
		t.Fatalf("remove due: %v", err)
	}
	if err := e.repo.MarkClaimed(ctx, id, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("mark claimed: %v", err)
	}

	e.loop.RunOnce(ctx)

	if got := e.status(t, id); got != model.StatusCompleted {
		t.Fatalf("expected reclaimed notification to complete, got %s", got)
	}
	if e.message.sentCount() != 1 {
		t.Fatalf("expected one send after reclaim, got %d", e.message.sentCount())
	}
}

func TestSentEventPublished(t *testing.T) {
	e := newTestEngine(t)
	e.addRecipient(t, "r1", "r1@example.com", "marketing")
	e.schedule(t, "r1", "marketing", time.Now().Add(-time.Second))

	e.loop.RunOnce(context.Background())

	e.events.mu.Lock()
	defer e.events.mu.Unlock()
	if len(e.events.events) != 1 || e.events.events[0] != "notification.sent" {
		t.Fatalf("expected one notification.sent event, got %v", e.events.events)
	}
}
