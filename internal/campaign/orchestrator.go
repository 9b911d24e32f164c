package campaign

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifyhub/internal/compliance"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/pkg/config"
	"notifyhub/pkg/metrics"
)

var (
	ErrInvalidCampaign = errors.New("invalid campaign spec")
	ErrEmptyAudience   = errors.New("campaign audience resolved empty")
	ErrNotMutable      = errors.New("campaign is no longer mutable")
)

type CreateSpec struct {
	Name     string
	Channel  model.Channel
	Category string
	Audience model.AudienceSpec
	Variants []model.Variant
}

type campaignSentEvent struct {
	CampaignID string                `json:"campaign_id"`
	Status     string                `json:"status"`
	Result     *model.CampaignResult `json:"result"`
}

// Orchestrator resolves a campaign's audience, partitions it across variants,
// and drives batched, paced dispatch through the compliance gate.
type Orchestrator struct {
	campaigns  *repository.CampaignRepository
	audience   *repository.AudienceRepository
	records    *repository.ComplianceRepository
	gate       *compliance.Gate
	dispatcher *dispatch.Dispatcher
	publisher  dispatch.EventPublisher
	cfg        config.CampaignConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewOrchestrator(
	campaigns *repository.CampaignRepository,
	audience *repository.AudienceRepository,
	records *repository.ComplianceRepository,
	gate *compliance.Gate,
	dispatcher *dispatch.Dispatcher,
	publisher dispatch.EventPublisher,
	cfg config.CampaignConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		campaigns:  campaigns,
		audience:   audience,
		records:    records,
		gate:       gate,
		dispatcher: dispatcher,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (o *Orchestrator) Create(ctx context.Context, spec CreateSpec) (*model.Campaign, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	c := &model.Campaign{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Status:    model.CampaignDraft,
		Channel:   spec.Channel,
		Category:  spec.Category,
		Audience:  spec.Audience,
		Variants:  spec.Variants,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := o.campaigns.Save(ctx, c); err != nil {
		return nil, err
	}

	o.logger.Info("Campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("name", c.Name),
		zap.Int("variants", len(c.Variants)),
	)
	return c, nil
}

// Schedule stamps a draft campaign with a send time; the recurring send job
// picks it up once the time arrives.
func (o *Orchestrator) Schedule(ctx context.Context, id string, at time.Time) error {
	c, err := o.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignDraft {
		return fmt.Errorf("%w: status %s", ErrNotMutable, c.Status)
	}

	ok, err := o.campaigns.TransitionStatus(ctx, id, model.CampaignDraft, model.CampaignScheduled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: concurrent status change", ErrNotMutable)
	}

	c.Status = model.CampaignScheduled
	c.ScheduledAt = at.UTC()
	c.UpdatedAt = o.now().UTC()
	if err := o.campaigns.Save(ctx, c); err != nil {
		return err
	}
	if err := o.campaigns.MarkScheduled(ctx, id, at); err != nil {
		return err
	}

	o.logger.Info("Campaign scheduled",
		zap.String("campaign_id", id),
		zap.Time("at", at),
	)
	return nil
}

// RunDueScheduled sends every campaign whose scheduled time has arrived. It
// is registered as a recurring job.
func (o *Orchestrator) RunDueScheduled(ctx context.Context) error {
	ids, err := o.campaigns.DueScheduled(ctx, o.now(), 100)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := o.campaigns.ClearScheduled(ctx, id); err != nil {
			o.logger.Error("Failed to clear scheduled index", zap.String("campaign_id", id), zap.Error(err))
		}
		if _, err := o.Send(ctx, id); err != nil {
			o.logger.Error("Scheduled campaign send failed",
				zap.String("campaign_id", id),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Send resolves the audience and dispatches the campaign. The status guard
// is a compare-and-set, so two concurrent Send calls cannot both dispatch.
func (o *Orchestrator) Send(ctx context.Context, id string) (*model.CampaignResult, error) {
	c, err := o.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Mutable() {
		return nil, fmt.Errorf("%w: status %s", ErrNotMutable, c.Status)
	}

	// Validation happens before the status transition: an empty audience
	// leaves the campaign untouched.
	recipients, err := o.resolveAudience(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrEmptyAudience
	}

	claimed, err := o.campaigns.TransitionStatus(ctx, id, c.Status, model.CampaignSending)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: concurrent status change", ErrNotMutable)
	}
	c.Status = model.CampaignSending

	o.logger.Info("Campaign sending",
		zap.String("campaign_id", id),
		zap.Int("recipients", len(recipients)),
	)

	assignments := Partition(c.ID, recipients, c.Variants)
	result := o.dispatchAll(ctx, c, assignments)

	final := model.CampaignSent
	if result.Sent == 0 && result.Failed > 0 {
		final = model.CampaignFailed
	}

	// we hold the sending claim, so a plain save settles the final state
	c.Result = result
	c.Status = final
	c.UpdatedAt = o.now().UTC()
	if err := o.campaigns.Save(ctx, c); err != nil {
		return result, err
	}

	o.publish("campaign.sent", campaignSentEvent{CampaignID: id, Status: string(final), Result: result})
	o.logger.Info("Campaign finished",
		zap.String("campaign_id", id),
		zap.String("status", string(final)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("blocked", result.Blocked),
	)
	return result, nil
}

// resolveAudience unions the include lists, applies the filter predicates,
// subtracts the exclude lists, and drops suppressed recipients. The result
// is de-duplicated by recipient id.
func (o *Orchestrator) resolveAudience(ctx context.Context, c *model.Campaign) ([]string, error) {
	included := make(map[string]bool)
	var ordered []string
	for _, list := range c.Audience.IncludeLists {
		members, err := o.audience.ListMembers(ctx, list)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve list %s: %w", list, err)
		}
		for _, id := range members {
			if !included[id] {
				included[id] = true
				ordered = append(ordered, id)
			}
		}
	}

	excluded := make(map[string]bool)
	for _, list := range c.Audience.ExcludeLists {
		members, err := o.audience.ListMembers(ctx, list)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve exclude list %s: %w", list, err)
		}
		for _, id := range members {
			excluded[id] = true
		}
	}

	var out []string
	for _, id := range ordered {
		if excluded[id] {
			continue
		}

		rcpt, err := o.audience.GetRecipient(ctx, id)
		if err != nil {
			o.logger.Warn("Audience member has no profile", zap.String("recipient_id", id))
			continue
		}
		if !matchesFilter(rcpt, c.Audience.Filter) {
			continue
		}

		// suppressed recipients are excluded before dispatch so campaign
		// totals reflect the deliverable audience
		if c.Category != model.CategoryTransactional {
			rec, err := o.records.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec.Suppressed {
				continue
			}
		}

		out = append(out, id)
	}
	return out, nil
}

func matchesFilter(r *model.Recipient, f model.AudienceFilter) bool {
	if len(f.Countries) > 0 && !containsString(f.Countries, r.Country) {
		return false
	}
	if !f.ActiveSince.IsZero() && r.LastActiveAt.Before(f.ActiveSince) {
		return false
	}
	if !f.RegisteredSince.IsZero() && r.RegisteredAt.Before(f.RegisteredSince) {
		return false
	}
	if len(f.Categories) > 0 {
		match := false
		for _, want := range f.Categories {
			if containsString(r.Categories, want) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// dispatchAll works through the assignments in bounded batches with a pacing
// pause between them. Items within a batch run concurrently; batches run
// sequentially so the pacing delay means something.
func (o *Orchestrator) dispatchAll(ctx context.Context, c *model.Campaign, assignments []Assignment) *model.CampaignResult {
	result := &model.CampaignResult{
		TotalRecipients: len(assignments),
		ByVariant:       make(map[string]model.VariantResult),
		StartedAt:       o.now().UTC(),
	}
	for _, v := range c.Variants {
		result.ByVariant[v.Name] = model.VariantResult{}
	}

	var mu sync.Mutex
	batchSize := o.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	for start := 0; start < len(assignments); start += batchSize {
		end := start + batchSize
		if end > len(assignments) {
			end = len(assignments)
		}

		var wg sync.WaitGroup
		for _, a := range assignments[start:end] {
			wg.Add(1)
			go func(a Assignment) {
				defer wg.Done()
				outcome := o.dispatchOne(ctx, c, a)

				mu.Lock()
				vr := result.ByVariant[a.Variant.Name]
				vr.Recipients++
				switch outcome {
				case outcomeSent:
					result.Sent++
					vr.Sent++
				case outcomeBlocked:
					result.Blocked++
					vr.Blocked++
				default:
					result.Failed++
					vr.Failed++
				}
				result.ByVariant[a.Variant.Name] = vr
				mu.Unlock()
			}(a)
		}
		wg.Wait()

		if end < len(assignments) && o.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				result.FinishedAt = o.now().UTC()
				return result
			case <-time.After(o.cfg.BatchPause):
			}
		}
	}

	result.FinishedAt = o.now().UTC()
	return result
}

type itemOutcome int

const (
	outcomeSent itemOutcome = iota
	outcomeBlocked
	outcomeFailed
)

func (o *Orchestrator) dispatchOne(ctx context.Context, c *model.Campaign, a Assignment) itemOutcome {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Panic dispatching campaign item",
				zap.String("campaign_id", c.ID),
				zap.String("recipient_id", a.RecipientID),
				zap.Any("panic", r),
			)
		}
	}()

	decision, err := o.gate.Check(ctx, a.RecipientID, c.Category, c.Channel)
	if err != nil {
		o.logger.Error("Compliance check failed",
			zap.String("campaign_id", c.ID),
			zap.String("recipient_id", a.RecipientID),
			zap.Error(err),
		)
		metrics.CampaignRecipients.WithLabelValues("failed").Inc()
		return outcomeFailed
	}
	if !decision.Allowed {
		metrics.CampaignRecipients.WithLabelValues("blocked").Inc()
		return outcomeBlocked
	}

	res, err := o.dispatcher.Dispatch(ctx, dispatch.Item{
		CampaignID:  c.ID,
		RecipientID: a.RecipientID,
		Channel:     c.Channel,
		Category:    c.Category,
		ContentRef:  a.Variant.ContentRef,
	})
	if err != nil || !res.Success {
		if err != nil {
			o.logger.Error("Campaign dispatch error",
				zap.String("campaign_id", c.ID),
				zap.String("recipient_id", a.RecipientID),
				zap.Error(err),
			)
		}
		metrics.CampaignRecipients.WithLabelValues("failed").Inc()
		return outcomeFailed
	}

	if err := o.gate.ConfirmSend(ctx, a.RecipientID, c.Category); err != nil {
		o.logger.Error("Failed to confirm send",
			zap.String("recipient_id", a.RecipientID),
			zap.Error(err),
		)
	}
	metrics.CampaignRecipients.WithLabelValues("sent").Inc()
	return outcomeSent
}

func (o *Orchestrator) publish(routingKey string, payload any) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(routingKey, payload); err != nil {
		o.logger.Error("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}

func validateSpec(spec CreateSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	switch spec.Channel {
	case model.ChannelMessage, model.ChannelPush, model.ChannelMulti:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidCampaign, spec.Channel)
	}
	if spec.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidCampaign)
	}
	if len(spec.Audience.IncludeLists) == 0 {
		return fmt.Errorf("%w: at least one include list is required", ErrInvalidCampaign)
	}
	if len(spec.Variants) == 0 {
		return fmt.Errorf("%w: at least one variant is required", ErrInvalidCampaign)
	}

	var sum float64
	seen := make(map[string]bool)
	for _, v := range spec.Variants {
		if v.Name == "" || v.ContentRef == "" {
			return fmt.Errorf("%w: variant name and content are required", ErrInvalidCampaign)
		}
		if seen[v.Name] {
			return fmt.Errorf("%w: duplicate variant %q", ErrInvalidCampaign, v.Name)
		}
		seen[v.Name] = true
		sum += v.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: variant weights must sum to 1, got %.4f", ErrInvalidCampaign, sum)
	}
	return nil
}
