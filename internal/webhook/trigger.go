package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/queue"
)

// Event pairs a mutation kind with the record snapshot it concerns.
type Event struct {
	Kind    model.EventKind
	Product *model.Product
}

// SubscriptionSource looks up the enabled subscriptions matching an event
// kind.
type SubscriptionSource interface {
	ListEnabledForEvent(ctx context.Context, kind model.EventKind) ([]*model.Subscription, error)
}

// Enqueuer schedules delivery tasks.
type Enqueuer interface {
	EnqueueDeliver(ctx context.Context, payload queue.DeliverPayload, maxRetry int) error
}

// Trigger fans record-mutation events out to matching subscriptions. It only
// enqueues; it never blocks on delivery, and enqueue failures are logged
// rather than surfaced, so a webhook problem can never fail the mutation that
// caused it.
type Trigger struct {
	log  *slog.Logger
	subs SubscriptionSource
	enq  Enqueuer
}

func NewTrigger(log *slog.Logger, subs SubscriptionSource, enq Enqueuer) *Trigger {
	return &Trigger{log: log, subs: subs, enq: enq}
}

// Notify enqueues one delivery task per matching subscription for a single
// mutation.
func (t *Trigger) Notify(ctx context.Context, kind model.EventKind, product *model.Product) {
	t.NotifyBatch(ctx, []Event{{Kind: kind, Product: product}})
}

// NotifyBatch handles a batch of mutations with one subscription lookup per
// distinct kind, so a large import performs per-batch rather than per-row
// lookups.
func (t *Trigger) NotifyBatch(ctx context.Context, events []Event) {
	byKind := make(map[model.EventKind][]*model.Subscription)
	for _, ev := range events {
		if _, ok := byKind[ev.Kind]; ok {
			continue
		}
		subs, err := t.subs.ListEnabledForEvent(ctx, ev.Kind)
		if err != nil {
			t.log.Error("webhook subscription lookup failed",
				slog.String("event", string(ev.Kind)),
				slog.String("err", err.Error()),
			)
			byKind[ev.Kind] = nil
			continue
		}
		byKind[ev.Kind] = subs
	}

	for _, ev := range events {
		subs := byKind[ev.Kind]
		if len(subs) == 0 {
			continue
		}
		record, err := json.Marshal(ev.Product)
		if err != nil {
			t.log.Error("marshal record snapshot failed",
				slog.String("event", string(ev.Kind)),
				slog.String("err", err.Error()),
			)
			continue
		}
		for _, sub := range subs {
			payload := queue.DeliverPayload{
				SubscriptionID: sub.ID,
				Event:          ev.Kind,
				Record:         record,
			}
			if err := t.enq.EnqueueDeliver(ctx, payload, sub.MaxRetries); err != nil {
				t.log.Error("enqueue webhook delivery failed",
					slog.String("subscription_id", sub.ID),
					slog.String("event", string(ev.Kind)),
					slog.String("err", err.Error()),
				)
			}
		}
	}
}
