// Package worker plugs the import pipeline and the delivery engine into the
// asynq task loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/skuflow/skuflow/internal/ingest"
	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/queue"
	"github.com/skuflow/skuflow/internal/webhook"
)

// maxRetryDelay bounds the exponential backoff between delivery attempts.
const maxRetryDelay = 10 * time.Minute

// SubscriptionGetter loads the subscription a delivery task targets.
type SubscriptionGetter interface {
	Get(ctx context.Context, id string) (*model.Subscription, error)
}

// ObjectRemover cleans up a staged upload once its import has finished.
type ObjectRemover interface {
	Remove(ctx context.Context, objectKey string) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	log       *slog.Logger
	pipeline  *ingest.Pipeline
	subs      SubscriptionGetter
	deliverer *webhook.Deliverer
	objects   ObjectRemover
}

// NewProcessor constructs a worker processor.
func NewProcessor(log *slog.Logger, pipeline *ingest.Pipeline, subs SubscriptionGetter, deliverer *webhook.Deliverer, objects ObjectRemover) *Processor {
	return &Processor{
		log:       log,
		pipeline:  pipeline,
		subs:      subs,
		deliverer: deliverer,
		objects:   objects,
	}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskImportCSV, p.handleImport)
	mux.HandleFunc(queue.TaskDeliverWebhook, p.handleDeliver)
	return mux
}

func (p *Processor) handleImport(ctx context.Context, task *asynq.Task) error {
	var payload queue.ImportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode import payload: %w", err)
	}

	err := p.pipeline.Run(ctx, payload.JobID, payload.ObjectKey, payload.FileName)

	// The staged file is removed either way; the job record carries the
	// outcome and a failed import is never replayed from the same object.
	if rmErr := p.objects.Remove(context.WithoutCancel(ctx), payload.ObjectKey); rmErr != nil {
		p.log.Warn("remove staged upload failed",
			slog.String("object_key", payload.ObjectKey),
			slog.String("err", rmErr.Error()),
		)
	}
	return err
}

func (p *Processor) handleDeliver(ctx context.Context, task *asynq.Task) error {
	var payload queue.DeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode deliver payload: %w", err)
	}

	sub, err := p.subs.Get(ctx, payload.SubscriptionID)
	if err != nil {
		// A deleted subscription is not worth retrying against.
		p.log.Warn("webhook delivery dropped",
			slog.String("subscription_id", payload.SubscriptionID),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("load subscription: %w: %w", err, asynq.SkipRetry)
	}
	if !sub.Enabled {
		p.log.Info("webhook delivery skipped, subscription disabled",
			slog.String("subscription_id", sub.ID),
		)
		return nil
	}

	attempt, _ := asynq.GetRetryCount(ctx)
	result, err := p.deliverer.Deliver(ctx, sub, payload.Event, payload.Record)
	if err == nil {
		p.log.Info("webhook delivered",
			slog.String("subscription_id", sub.ID),
			slog.String("event", string(payload.Event)),
			slog.Int("attempt", attempt+1),
			slog.Int("status", result.StatusCode),
			slog.Duration("latency", result.Latency),
		)
		return nil
	}

	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if attempt >= maxRetry {
		p.log.Error("webhook delivery abandoned",
			slog.String("subscription_id", sub.ID),
			slog.String("event", string(payload.Event)),
			slog.Int("attempts", attempt+1),
			slog.String("err", err.Error()),
		)
	}
	return err
}

// RetryDelay grows the delay between delivery attempts geometrically
// (1s, 2s, 4s, ...) up to maxRetryDelay. Other task types keep asynq's
// default schedule.
func RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	if task.Type() != queue.TaskDeliverWebhook {
		return asynq.DefaultRetryDelayFunc(n, err, task)
	}
	if n < 0 {
		n = 0
	}
	if n > 12 {
		// 2^12s already exceeds the cap; avoid shift overflow.
		return maxRetryDelay
	}
	delay := time.Duration(1<<uint(n)) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
