package jobstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "upload_job:"
	eventsSuffix = ":events"

	// Jobs expire a day after their last update; a finished import has no
	// observers by then.
	jobTTL = 24 * time.Hour

	subscribeBuffer = 16
)

// RedisStore keeps each job in a Redis hash and publishes JSON snapshots on a
// per-job pub/sub channel. A multi-field HSET is atomic, so concurrent
// readers never observe a partially merged update.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func jobKey(id string) string    { return jobKeyPrefix + id }
func eventsKey(id string) string { return jobKeyPrefix + id + eventsSuffix }

// Create registers a new pending job and returns it.
func (s *RedisStore) Create(ctx context.Context) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.client.HSet(ctx, jobKey(job.ID), hashFields(job)).Err(); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.client.Expire(ctx, jobKey(job.ID), jobTTL).Err(); err != nil {
		return nil, fmt.Errorf("expire job: %w", err)
	}
	return job, nil
}

// Get returns a point-in-time snapshot of the job.
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(id, fields)
}

// Update merges the delta into the stored job and publishes the new snapshot.
// Only the single worker executing the job writes to it, so the
// read-merge-write is not guarded beyond the atomic HSET.
func (s *RedisStore) Update(ctx context.Context, id string, delta Delta) (*Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.apply(delta)

	if err := s.client.HSet(ctx, jobKey(id), hashFields(job)).Err(); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := s.client.Expire(ctx, jobKey(id), jobTTL).Err(); err != nil {
		return nil, fmt.Errorf("expire job: %w", err)
	}

	snapshot, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Publish(ctx, eventsKey(id), snapshot).Err(); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}
	return job, nil
}

// Subscribe emits the current snapshot, then every published update, and
// closes the channel once a terminal snapshot has been relayed.
func (s *RedisStore) Subscribe(ctx context.Context, id string) (<-chan Job, error) {
	// Subscribe before reading the initial snapshot so an update published in
	// between is not lost; at worst the same snapshot is relayed twice.
	pubsub := s.client.Subscribe(ctx, eventsKey(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe job events: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Job, subscribeBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		select {
		case out <- *current:
		case <-ctx.Done():
			return
		}
		if current.Status.Terminal() {
			return
		}

		for {
			select {
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var job Job
				if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
					continue
				}
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
				if job.Status.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func hashFields(job *Job) map[string]interface{} {
	return map[string]interface{}{
		"status":         string(job.Status),
		"progress":       strconv.FormatFloat(job.Progress, 'f', -1, 64),
		"processed_rows": strconv.Itoa(job.ProcessedRows),
		"total_rows":     strconv.Itoa(job.TotalRows),
		"message":        job.Message,
		"error":          job.Error,
		"created_at":     job.CreatedAt.Format(time.RFC3339Nano),
	}
}

func jobFromHash(id string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:      id,
		Status:  Status(fields["status"]),
		Message: fields["message"],
		Error:   fields["error"],
	}
	var err error
	if job.Progress, err = strconv.ParseFloat(fields["progress"], 64); err != nil {
		return nil, fmt.Errorf("parse progress: %w", err)
	}
	if job.ProcessedRows, err = strconv.Atoi(fields["processed_rows"]); err != nil {
		return nil, fmt.Errorf("parse processed_rows: %w", err)
	}
	if job.TotalRows, err = strconv.Atoi(fields["total_rows"]); err != nil {
		return nil, fmt.Errorf("parse total_rows: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return job, nil
}
