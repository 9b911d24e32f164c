package compliance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/store"
	"notifyhub/pkg/config"
	"notifyhub/pkg/metrics"
)

const (
	ReasonSuppressed  = "recipient suppressed"
	ReasonOptedOut    = "category opted out"
	ReasonNoConsent   = "no consent on record"
	ReasonRateLimited = "rate limit exceeded"
)

// Decision is the outcome of a compliance check. A disallowed decision is not
// an error; campaigns count it as blocked, not failed.
type Decision struct {
	Allowed bool
	Reason  string
}

var allowed = Decision{Allowed: true}

// Gate evaluates suppression, category preference, consent, and the
// fixed-window rate limit, in that order. Check is a pure read; only
// ConfirmSend consumes rate budget, and callers invoke it after a dispatch
// actually succeeded.
type Gate struct {
	repo   *repository.ComplianceRepository
	store  store.Store
	cfg    config.ComplianceConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(repo *repository.ComplianceRepository, s store.Store, cfg config.ComplianceConfig, logger *zap.Logger) *Gate {
	return &Gate{
		repo:   repo,
		store:  s,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (g *Gate) Check(ctx context.Context, recipientID, category string, channel model.Channel) (Decision, error) {
	rec, err := g.repo.Get(ctx, recipientID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load compliance record: %w", err)
	}

	// (1) suppression, with the transactional carve-out
	if rec.Suppressed && category != model.CategoryTransactional {
		return Decision{Reason: ReasonSuppressed}, nil
	}

	// (2) explicit category opt-out
	if rec.OptOuts[category] {
		return Decision{Reason: ReasonOptedOut}, nil
	}

	// (3) consent required for non-transactional content
	if category != model.CategoryTransactional && !hasConsent(rec, category) {
		return Decision{Reason: ReasonNoConsent}, nil
	}

	// (4) fixed-window rate limit
	count, err := g.windowCount(ctx, recipientID, category)
	if err != nil {
		return Decision{}, err
	}
	if count >= g.maxPerWindow(category) {
		metrics.RateLimitBlocks.WithLabelValues(category).Inc()
		return Decision{Reason: ReasonRateLimited}, nil
	}

	return allowed, nil
}

// ConfirmSend increments the (recipient, category) counter for the current
// window. Called exactly once per confirmed send.
func (g *Gate) ConfirmSend(ctx context.Context, recipientID, category string) error {
	key := g.rateKey(recipientID, category)
	if _, err := g.store.AtomicIncrement(ctx, key, 2*g.cfg.RateWindow); err != nil {
		return fmt.Errorf("failed to increment rate counter: %w", err)
	}
	return nil
}

func (g *Gate) RecordConsent(ctx context.Context, recipientID string, categories []string) error {
	rec, err := g.repo.Get(ctx, recipientID)
	if err != nil {
		return err
	}

	rec.Consent = &model.ConsentRecord{
		Categories: categories,
		GrantedAt:  g.now().UTC(),
	}

	g.logger.Info("Consent recorded",
		zap.String("recipient_id", recipientID),
		zap.Strings("categories", categories),
	)
	return g.repo.Save(ctx, rec)
}

// ProcessSuppressionEvent marks a recipient suppressed. Suppression is
// terminal; only Resubscribe undoes it.
func (g *Gate) ProcessSuppressionEvent(ctx context.Context, recipientID string, reason model.SuppressionReason) error {
	rec, err := g.repo.Get(ctx, recipientID)
	if err != nil {
		return err
	}

	rec.Suppressed = true
	rec.SuppressionReason = reason
	rec.SuppressedAt = g.now().UTC()

	g.logger.Info("Recipient suppressed",
		zap.String("recipient_id", recipientID),
		zap.String("reason", string(reason)),
	)
	return g.repo.Save(ctx, rec)
}

// Resubscribe is the explicit re-subscription action outside the gate's
// normal flow. It clears suppression and records fresh consent; nil
// categories restore whatever was consented to before suppression.
func (g *Gate) Resubscribe(ctx context.Context, recipientID string, categories []string) error {
	rec, err := g.repo.Get(ctx, recipientID)
	if err != nil {
		return err
	}

	if categories == nil && rec.Consent != nil {
		categories = rec.Consent.Categories
	}
	rec.Suppressed = false
	rec.SuppressionReason = ""
	rec.Consent = &model.ConsentRecord{
		Categories: categories,
		GrantedAt:  g.now().UTC(),
	}

	g.logger.Info("Recipient resubscribed",
		zap.String("recipient_id", recipientID),
	)
	return g.repo.Save(ctx, rec)
}

func (g *Gate) SetOptOut(ctx context.Context, recipientID, category string, optedOut bool) error {
	rec, err := g.repo.Get(ctx, recipientID)
	if err != nil {
		return err
	}
	if rec.OptOuts == nil {
		rec.OptOuts = make(map[string]bool)
	}
	rec.OptOuts[category] = optedOut
	return g.repo.Save(ctx, rec)
}

func hasConsent(rec *model.ComplianceRecord, category string) bool {
	if rec.Consent == nil {
		return false
	}
	for _, c := range rec.Consent.Categories {
		if c == category {
			return true
		}
	}
	return false
}

func (g *Gate) maxPerWindow(category string) int64 {
	if max, ok := g.cfg.RateMaxPerWindow[category]; ok {
		return max
	}
	return g.cfg.RateDefaultMax
}

func (g *Gate) rateKey(recipientID, category string) string {
	windowStart := g.now().UTC().Truncate(g.cfg.RateWindow).Unix()
	return fmt.Sprintf("rate:%s:%s:%d", recipientID, category, windowStart)
}

func (g *Gate) windowCount(ctx context.Context, recipientID, category string) (int64, error) {
	val, err := g.store.Get(ctx, g.rateKey(recipientID, category))
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt rate counter for %s/%s: %w", recipientID, category, err)
	}
	return count, nil
}
