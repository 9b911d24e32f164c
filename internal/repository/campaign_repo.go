package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/store"
)

const scheduledCampaignIndex = "cmp:scheduled"

func campaignKey(id string) string       { return "cmp:" + id }
func campaignStatusKey(id string) string { return "cmp:" + id + ":status" }

// CampaignRepository persists campaigns with a read-through cache. The cache
// is invalidated on every write; campaign state changes are low-volume, so a
// plain map under a mutex is enough.
type CampaignRepository struct {
	store  store.Store
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*model.Campaign
}

func NewCampaignRepository(s store.Store, logger *zap.Logger) *CampaignRepository {
	return &CampaignRepository{
		store:  s,
		logger: logger,
		cache:  make(map[string]*model.Campaign),
	}
}

func (r *CampaignRepository) Save(ctx context.Context, c *model.Campaign) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}

	if err := r.store.Set(ctx, campaignKey(c.ID), string(body), 0); err != nil {
		return fmt.Errorf("failed to save campaign %s: %w", c.ID, err)
	}
	if err := r.store.Set(ctx, campaignStatusKey(c.ID), string(c.Status), 0); err != nil {
		return fmt.Errorf("failed to save campaign status %s: %w", c.ID, err)
	}

	r.mu.Lock()
	delete(r.cache, c.ID)
	r.mu.Unlock()
	return nil
}

// Get returns a private copy; callers mutate their copy freely and persist
// through Save without racing other readers of the cache.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	if c, ok := r.cache[id]; ok {
		cp := cloneCampaign(c)
		r.mu.Unlock()
		return cp, nil
	}
	r.mu.Unlock()

	body, err := r.store.Get(ctx, campaignKey(id))
	if err != nil {
		return nil, err
	}

	var c model.Campaign
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign %s: %w", id, err)
	}

	if status, err := r.store.Get(ctx, campaignStatusKey(id)); err == nil {
		c.Status = model.CampaignStatus(status)
	}

	r.mu.Lock()
	r.cache[id] = cloneCampaign(&c)
	r.mu.Unlock()
	return &c, nil
}

func cloneCampaign(c *model.Campaign) *model.Campaign {
	cp := *c
	cp.Variants = append([]model.Variant(nil), c.Variants...)
	cp.Audience.IncludeLists = append([]string(nil), c.Audience.IncludeLists...)
	cp.Audience.ExcludeLists = append([]string(nil), c.Audience.ExcludeLists...)
	cp.Audience.Filter.Countries = append([]string(nil), c.Audience.Filter.Countries...)
	cp.Audience.Filter.Categories = append([]string(nil), c.Audience.Filter.Categories...)
	if c.Result != nil {
		res := *c.Result
		if c.Result.ByVariant != nil {
			res.ByVariant = make(map[string]model.VariantResult, len(c.Result.ByVariant))
			for name, vr := range c.Result.ByVariant {
				res.ByVariant[name] = vr
			}
		}
		cp.Result = &res
	}
	return &cp
}

// TransitionStatus atomically moves a campaign between statuses. The sending
// transition relies on this to keep two concurrent Send calls from both
// dispatching.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from, to model.CampaignStatus) (bool, error) {
	ok, err := r.store.ConditionalSet(ctx, campaignStatusKey(id), string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign %s %s->%s: %w", id, from, to, err)
	}
	if ok {
		r.mu.Lock()
		delete(r.cache, id)
		r.mu.Unlock()
	}
	return ok, nil
}

// MarkScheduled indexes a campaign for the send job by its fire time.
func (r *CampaignRepository) MarkScheduled(ctx context.Context, id string, at time.Time) error {
	return r.store.ZAdd(ctx, scheduledCampaignIndex, id, float64(at.Unix()))
}

func (r *CampaignRepository) ClearScheduled(ctx context.Context, id string) error {
	return r.store.ZRem(ctx, scheduledCampaignIndex, id)
}

// DueScheduled returns ids of campaigns whose scheduled send time has
// arrived.
func (r *CampaignRepository) DueScheduled(ctx context.Context, t time.Time, limit int64) ([]string, error) {
	return r.store.ZRangeByScore(ctx, scheduledCampaignIndex, math.Inf(-1), float64(t.Unix()), limit)
}
