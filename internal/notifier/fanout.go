package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"presencebot/internal/eventbus"
	"presencebot/internal/metrics"
	"presencebot/internal/storage"
	"presencebot/internal/transport"
	"presencebot/internal/upstream"
	logx "presencebot/pkg/logx"
)

// Config controls per-subscriber delivery.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// DeliveryError reports a subscriber whose delivery failed after retries.
type DeliveryError struct {
	Subscription storage.Subscription
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s (channel %s) failed: %v", e.Subscription.ContextID, e.Subscription.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SubscriptionLister resolves the subscribers of an account.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, externalID string) ([]storage.Subscription, error)
}

// DeliveryEvent is the payload of the notify.* topics.
type DeliveryEvent struct {
	ExternalID string
	ContextID  string
	ChannelID  string
	Attempts   int
	Error      string `json:",omitempty"`
}

type Fanout struct {
	cfg     Config
	subs    SubscriptionLister
	enrich  Enricher
	sender  transport.Sender
	limiter *rate.Limiter
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

func New(cfg Config, subs SubscriptionLister, enrich Enricher, sender transport.Sender, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Fanout {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Fanout{
		cfg:    cfg,
		subs:   subs,
		enrich: enrich,
		sender: sender,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		bus:     bus,
		metrics: m,
		log:     log,
	}
}

// Notify delivers one notification per subscriber of account. It never
// fails: per-subscriber errors are logged and published as events.
func (f *Fanout) Notify(ctx context.Context, account storage.LinkedAccount, snap upstream.Snapshot) {
	log := f.log.With(logx.String("external_id", account.ExternalID))

	subs, err := f.subs.ListSubscriptions(ctx, account.ExternalID)
	if err != nil {
		log.Error("list subscriptions failed", logx.Err(err))
		return
	}
	if len(subs) == 0 {
		log.Debug("no subscribers")
		return
	}

	payload := BuildPayload(ctx, f.enrich, account, snap)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub storage.Subscription) {
			defer wg.Done()
			if err := f.deliver(ctx, sub, payload); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	log.Info("notification dispatched",
		logx.Int("subscribers", len(subs)),
		logx.Int("failed", failed),
		logx.String("activity_id", snap.ActivityID),
	)
}

func (f *Fanout) deliver(ctx context.Context, sub storage.Subscription, p Payload) (err error) {
	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		ev := DeliveryEvent{ExternalID: p.ExternalID, ContextID: sub.ContextID, ChannelID: sub.ChannelID, Attempts: attempts}
		if err == nil {
			f.metrics.Delivered(true)
			f.bus.Publish(eventbus.Event{Type: eventbus.TopicNotificationSent, Time: time.Now(), Data: ev})
			return
		}
		derr := &DeliveryError{Subscription: sub, Err: err}
		ev.Error = err.Error()
		f.metrics.Delivered(false)
		f.bus.Publish(eventbus.Event{Type: eventbus.TopicNotificationFailed, Time: time.Now(), Data: ev})
		f.log.Warn("notification delivery failed",
			logx.String("context_id", sub.ContextID),
			logx.String("channel_id", sub.ChannelID),
			logx.String("creator_id", sub.CreatorID),
			logx.Int("attempts", attempts),
			logx.Err(derr),
		)
		err = derr
	}()

	to, err := transport.ParseChatTarget(sub.ChannelID)
	if err != nil {
		return err
	}
	msg := p.Render(sub.MentionRole)

	maxAttempts := 1 + f.cfg.RetryMax
	for attempts = 1; ; attempts++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
		_, err = msg.Send(callCtx, f.sender, to)
		cancel()
		if err == nil {
			return nil
		}
		f.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempts), logx.Int("max", maxAttempts))
		if attempts >= maxAttempts {
			return err
		}

		t := time.NewTimer(retryDelay(f.cfg, attempts))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
}

// retryDelay is the wait before the attempt after attempt (1-based):
// base * 2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
