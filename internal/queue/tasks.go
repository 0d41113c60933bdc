// Package queue defines the task types exchanged between the API and the
// worker, plus a thin typed client over asynq.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/skuflow/skuflow/internal/model"
)

const (
	// TaskImportCSV is scheduled each time a CSV file is submitted.
	TaskImportCSV = "csv:import"
	// TaskDeliverWebhook carries one event to one subscription.
	TaskDeliverWebhook = "webhook:deliver"

	// QueueImports is drained one job at a time per worker slot; QueueWebhooks
	// fans out deliveries concurrently.
	QueueImports  = "imports"
	QueueWebhooks = "webhooks"

	// importTimeout bounds a single ingestion run.
	importTimeout = 2 * time.Hour
)

// ImportPayload is serialized into the import task so the worker knows which
// staged object to stream and which job record to drive.
type ImportPayload struct {
	JobID     string `json:"job_id"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
}

// DeliverPayload carries one record-mutation event to one subscription. The
// record snapshot is kept as raw JSON so every attempt sends identical data.
type DeliverPayload struct {
	SubscriptionID string          `json:"subscription_id"`
	Event          model.EventKind `json:"event"`
	Record         json.RawMessage `json:"record"`
}

// Client wraps an asynq client with the two task constructors.
type Client struct {
	inner *asynq.Client
}

func NewClient(opt asynq.RedisClientOpt) *Client {
	return &Client{inner: asynq.NewClient(opt)}
}

func (c *Client) Close() error { return c.inner.Close() }

// EnqueueImport enqueues a CSV import job. Imports are not retried: a failed
// run records its error on the job, and re-running would re-randomize active
// flags and republish regressed progress.
func (c *Client) EnqueueImport(ctx context.Context, payload ImportPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal import payload: %w", err)
	}
	task := asynq.NewTask(TaskImportCSV, data)
	if _, err := c.inner.EnqueueContext(ctx, task,
		asynq.Queue(QueueImports),
		asynq.MaxRetry(0),
		asynq.Timeout(importTimeout),
	); err != nil {
		return fmt.Errorf("enqueue import task: %w", err)
	}
	return nil
}

// EnqueueDeliver enqueues one webhook delivery. maxRetry is the
// subscription's retry bound; asynq makes maxRetry+1 attempts in total.
func (c *Client) EnqueueDeliver(ctx context.Context, payload DeliverPayload, maxRetry int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal deliver payload: %w", err)
	}
	task := asynq.NewTask(TaskDeliverWebhook, data)
	if _, err := c.inner.EnqueueContext(ctx, task,
		asynq.Queue(QueueWebhooks),
		asynq.MaxRetry(maxRetry),
	); err != nil {
		return fmt.Errorf("enqueue deliver task: %w", err)
	}
	return nil
}
