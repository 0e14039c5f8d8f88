package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatches     = 7
	defaultInterval    = time.Second
	defaultConcurrency = 16
	// DefaultTermLabel names the term in the notification when none is configured.
	DefaultTermLabel = "ターム3"
	noSubscriptions  = "No subscriptions found"
)

// SubscriptionLister lists every stored subscription; *Store satisfies it.
type SubscriptionLister interface {
	ListAll(ctx context.Context) ([]Subscription, error)
}

// Summary aggregates the outcome of one broadcast.
type Summary struct {
	Term          string `json:"term"`
	Batches       int    `json:"batches"`
	TotalAttempts int    `json:"totalAttempts"`
	SuccessCount  int    `json:"successCount"`
	ErrorCount    int    `json:"errorCount"`
	Message       string `json:"message,omitempty"`
}

// Notification is the payload the service worker renders.
type Notification struct {
	Title   string              `json:"title"`
	Body    string              `json:"body"`
	Options NotificationOptions `json:"options"`
}

// NotificationOptions mirrors the showNotification options the worker passes through.
type NotificationOptions struct {
	Tag     string `json:"tag"`
	Vibrate []int  `json:"vibrate"`
}

// TermEndNotification builds the fixed end-of-term payload.
func TermEndNotification(term string) Notification {
	return Notification{
		Title: fmt.Sprintf("%s 終了です！！！", term),
		Body:  "お疲れさまでした。次のタームを始めましょう。",
		Options: NotificationOptions{
			Tag:     fmt.Sprintf("term-end-%s", term),
			Vibrate: []int{200, 100, 200},
		},
	}
}

// BroadcasterConfig describes the broadcast loop.
type BroadcasterConfig struct {
	Subscriptions SubscriptionLister
	Sender        Sender
	Batches       int
	Interval      time.Duration
	Concurrency   int
	Logger        *zap.Logger
	// Sleep waits between batches; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Broadcaster sends the same notification to every subscription in repeated batches.
type Broadcaster struct {
	subscriptions SubscriptionLister
	sender        Sender
	batches       int
	interval      time.Duration
	concurrency   int
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewBroadcaster validates the configuration.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Subscriptions == nil {
		return nil, errors.New("push: subscription lister is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("push: sender is required")
	}
	batches := cfg.Batches
	if batches <= 0 {
		batches = defaultBatches
	}
	interval := cfg.Interval
	if interval < 0 {
		interval = 0
	} else if interval == 0 {
		interval = defaultInterval
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Broadcaster{
		subscriptions: cfg.Subscriptions,
		sender:        cfg.Sender,
		batches:       batches,
		interval:      interval,
		concurrency:   concurrency,
		logger:        logger,
		sleep:         sleep,
	}, nil
}

// Broadcast delivers the term-end notification to all subscriptions. Individual delivery
// failures are logged and counted; only listing failures and cancellation return an error.
func (b *Broadcaster) Broadcast(ctx context.Context, term string) (Summary, error) {
	if term == "" {
		term = DefaultTermLabel
	}
	subscriptions, err := b.subscriptions.ListAll(ctx)
	if err != nil {
		b.logger.Error("subscription listing failed", zap.Error(err))
		return Summary{}, err
	}
	if len(subscriptions) == 0 {
		return Summary{Term: term, Message: noSubscriptions}, nil
	}

	payload, err := json.Marshal(TermEndNotification(term))
	if err != nil {
		return Summary{}, err
	}

	var successes, failures atomic.Int64
	for batch := 0; batch < b.batches; batch++ {
		b.sendBatch(ctx, batch, subscriptions, payload, &successes, &failures)
		if batch < b.batches-1 {
			if err := b.sleep(ctx, b.interval); err != nil {
				return b.summary(term, batch+1, len(subscriptions), &successes, &failures), err
			}
		}
	}

	summary := b.summary(term, b.batches, len(subscriptions), &successes, &failures)
	b.logger.Info("term notification broadcast finished",
		zap.String("term", term),
		zap.Int("subscriptions", len(subscriptions)),
		zap.Int("success_count", summary.SuccessCount),
		zap.Int("error_count", summary.ErrorCount))
	return summary, nil
}

func (b *Broadcaster) sendBatch(ctx context.Context, batch int, subscriptions []Subscription, payload []byte, successes, failures *atomic.Int64) {
	group := new(errgroup.Group)
	group.SetLimit(b.concurrency)
	for _, subscription := range subscriptions {
		group.Go(func() error {
			if err := b.sendOne(ctx, subscription, payload); err != nil {
				failures.Add(1)
				fields := []zap.Field{
					zap.Int("batch", batch),
					zap.String("subscription_id", subscription.ID),
					zap.Error(err),
				}
				var deliveryErr *DeliveryError
				if errors.As(err, &deliveryErr) {
					fields = append(fields, zap.Int("status_code", deliveryErr.StatusCode), zap.Bool("expired", deliveryErr.Expired()))
				}
				b.logger.Warn("push send failed", fields...)
				return nil
			}
			successes.Add(1)
			return nil
		})
	}
	_ = group.Wait()
}

func (b *Broadcaster) sendOne(ctx context.Context, subscription Subscription, payload []byte) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("push: sender panicked: %v", recovered)
		}
	}()
	descriptor, err := subscription.Descriptor()
	if err != nil {
		return err
	}
	return b.sender.Send(ctx, descriptor, payload)
}

func (b *Broadcaster) summary(term string, batches, subscriptions int, successes, failures *atomic.Int64) Summary {
	return Summary{
		Term:          term,
		Batches:       batches,
		TotalAttempts: batches * subscriptions,
		SuccessCount:  int(successes.Load()),
		ErrorCount:    int(failures.Load()),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
