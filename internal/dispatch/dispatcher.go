package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/store"
	"notifyhub/pkg/circuitbreaker"
	"notifyhub/pkg/config"
	"notifyhub/pkg/metrics"
)

// Item is one unit of delivery work: a scheduled notification or a single
// campaign recipient.
type Item struct {
	NotificationID string
	CampaignID     string
	RecipientID    string
	Channel        model.Channel
	Category       string
	ContentRef     string
}

// Dispatcher routes items to channel providers, classifies per-address
// outcomes, feeds the lifecycle tracker, and appends the audit trail.
type Dispatcher struct {
	message  MessageProvider
	push     PushProvider
	renderer Renderer
	audience *repository.AudienceRepository
	tracker  *Tracker
	log      repository.DeliveryLog
	store    store.Store
	cfg      config.LifecycleConfig
	logger   *zap.Logger
	now      func() time.Time

	// one breaker per channel provider; an open breaker fails fast with a
	// transient outcome so the scheduler retries later
	messageBreaker *circuitbreaker.CircuitBreaker
	pushBreaker    *circuitbreaker.CircuitBreaker
}

func NewDispatcher(
	message MessageProvider,
	push PushProvider,
	renderer Renderer,
	audience *repository.AudienceRepository,
	tracker *Tracker,
	log repository.DeliveryLog,
	s store.Store,
	cfg config.LifecycleConfig,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		message:        message,
		push:           push,
		renderer:       renderer,
		audience:       audience,
		tracker:        tracker,
		log:            log,
		store:          s,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
		messageBreaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		pushBreaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// Dispatch delivers one item. Delivery failures are expressed in the result,
// not the error; the error return is reserved for infrastructure faults
// (store unreachable, renderer broken).
func (d *Dispatcher) Dispatch(ctx context.Context, item Item) (*model.DeliveryResult, error) {
	started := d.now()

	addrs, err := d.validAddresses(ctx, item)
	if err != nil {
		return nil, err
	}

	res := &model.DeliveryResult{
		ID:             uuid.NewString(),
		NotificationID: item.NotificationID,
		CampaignID:     item.CampaignID,
		RecipientID:    item.RecipientID,
		Channel:        item.Channel,
		Timestamp:      d.now().UTC(),
	}

	if len(addrs) == 0 {
		res.ErrorClass = model.ErrorPermanent
		res.Error = "no valid address for recipient"
		return d.finish(ctx, res, started)
	}

	content, err := d.renderer.Render(ctx, item.ContentRef, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", item.ContentRef, err)
	}

	var outcomes []addressResult
	for _, group := range splitByChannel(addrs) {
		switch group.channel {
		case model.ChannelMessage:
			outcomes = append(outcomes, d.sendMessages(ctx, group.addrs, content)...)
		case model.ChannelPush:
			outcomes = append(outcomes, d.sendPush(ctx, group.addrs, content)...)
		}
	}

	for _, o := range outcomes {
		if err := d.tracker.RecordOutcome(ctx, o.addr, o.class); err != nil {
			d.logger.Error("Failed to record address outcome",
				zap.String("address_id", o.addr.ID),
				zap.Error(err),
			)
		}
	}

	res.Success, res.ErrorClass, res.Error = summarize(outcomes)
	return d.finish(ctx, res, started)
}

func (d *Dispatcher) finish(ctx context.Context, res *model.DeliveryResult, started time.Time) (*model.DeliveryResult, error) {
	status := "failed"
	if res.Success {
		status = "success"
	}
	metrics.ObserveDispatch(string(res.Channel), status, d.now().Sub(started))

	if err := d.log.Append(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to append delivery log: %w", err)
	}
	return res, nil
}

type addressResult struct {
	addr  *model.RecipientAddress
	class model.ErrorClass
	err   string
}

type channelGroup struct {
	channel model.Channel
	addrs   []*model.RecipientAddress
}

func splitByChannel(addrs []*model.RecipientAddress) []channelGroup {
	var msg, push []*model.RecipientAddress
	for _, a := range addrs {
		switch a.Channel {
		case model.ChannelMessage:
			msg = append(msg, a)
		case model.ChannelPush:
			push = append(push, a)
		}
	}

	var out []channelGroup
	if len(msg) > 0 {
		out = append(out, channelGroup{model.ChannelMessage, msg})
	}
	if len(push) > 0 {
		out = append(out, channelGroup{model.ChannelPush, push})
	}
	return out
}

// validAddresses resolves the recipient's addresses for the item's channel,
// excluding invalidated ones.
func (d *Dispatcher) validAddresses(ctx context.Context, item Item) ([]*model.RecipientAddress, error) {
	addrs, err := d.audience.AddressesByRecipient(ctx, item.RecipientID, item.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve addresses: %w", err)
	}

	var out []*model.RecipientAddress
	for _, a := range addrs {
		if a.Validity == model.AddressInvalid {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (d *Dispatcher) sendMessages(ctx context.Context, addrs []*model.RecipientAddress, content *RenderedContent) []addressResult {
	var out []addressResult
	for _, addr := range addrs {
		if !d.floodAllows(ctx, addr) {
			out = append(out, addressResult{
				addr:  addr,
				class: model.ErrorTransient,
				err:   "per-address flood window exceeded",
			})
			continue
		}

		var sendErr error
		err := d.messageBreaker.Execute(func() error {
			_, sendErr = d.message.Send(ctx, &OutboundMessage{Address: addr.Value, Content: content})
			if Classify(sendErr) == model.ErrorPermanent {
				// address-level rejection, not provider health
				return nil
			}
			return sendErr
		})
		if err == circuitbreaker.ErrOpen {
			out = append(out, addressResult{addr: addr, class: model.ErrorTransient, err: err.Error()})
			continue
		}
		if sendErr != nil {
			out = append(out, addressResult{addr: addr, class: Classify(sendErr), err: sendErr.Error()})
			continue
		}
		out = append(out, addressResult{addr: addr})
	}
	return out
}

func (d *Dispatcher) sendPush(ctx context.Context, addrs []*model.RecipientAddress, content *RenderedContent) []addressResult {
	tokens := make([]string, len(addrs))
	byToken := make(map[string]*model.RecipientAddress, len(addrs))
	for i, addr := range addrs {
		tokens[i] = addr.Value
		byToken[addr.Value] = addr
	}

	payload := &PushPayload{Title: content.Subject, Body: content.BodyText}
	var results []AddressOutcome
	err := d.pushBreaker.Execute(func() error {
		var mErr error
		results, mErr = d.push.SendMulticast(ctx, tokens, payload)
		return mErr
	})
	if err == circuitbreaker.ErrOpen {
		out := make([]addressResult, len(addrs))
		for i, addr := range addrs {
			out[i] = addressResult{addr: addr, class: model.ErrorTransient, err: err.Error()}
		}
		return out
	}
	if err != nil {
		// whole multicast failed: every address shares the classification
		class := Classify(err)
		out := make([]addressResult, len(addrs))
		for i, addr := range addrs {
			out[i] = addressResult{addr: addr, class: class, err: err.Error()}
		}
		return out
	}

	var out []addressResult
	for _, r := range results {
		addr, ok := byToken[r.Address]
		if !ok {
			d.logger.Warn("Multicast result for unknown token", zap.String("token", r.Address))
			continue
		}
		if r.Success {
			out = append(out, addressResult{addr: addr})
			continue
		}
		class := model.ErrorOther
		msg := "unclassified provider error"
		if r.Err != nil {
			class = r.Err.Class
			msg = r.Err.Message
		}
		out = append(out, addressResult{addr: addr, class: class, err: msg})
	}
	return out
}

// floodAllows enforces the per-address message rate limit, independent of
// campaign pacing.
func (d *Dispatcher) floodAllows(ctx context.Context, addr *model.RecipientAddress) bool {
	windowStart := d.now().UTC().Truncate(d.cfg.FloodWindow).Unix()
	key := fmt.Sprintf("flood:%s:%d", addr.ID, windowStart)

	count, err := d.store.AtomicIncrement(ctx, key, 2*d.cfg.FloodWindow)
	if err != nil {
		d.logger.Error("Flood counter increment failed", zap.Error(err))
		return true
	}
	return count <= d.cfg.FloodMaxPerWindow
}

// summarize folds per-address outcomes into one delivery result. One
// delivered address counts as success; otherwise a transient outcome wins so
// the scheduler can retry, then permanent, then other.
func summarize(outcomes []addressResult) (bool, model.ErrorClass, string) {
	var transient, permanent, other *addressResult
	for i := range outcomes {
		o := &outcomes[i]
		switch o.class {
		case model.ErrorNone:
			return true, model.ErrorNone, ""
		case model.ErrorTransient:
			transient = o
		case model.ErrorPermanent:
			permanent = o
		default:
			other = o
		}
	}

	switch {
	case transient != nil:
		return false, model.ErrorTransient, transient.err
	case permanent != nil:
		return false, model.ErrorPermanent, permanent.err
	case other != nil:
		return false, model.ErrorOther, other.err
	}
	return false, model.ErrorOther, "no outcomes"
}
