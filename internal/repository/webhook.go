package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skuflow/skuflow/internal/model"
)

const TableWebhooks = "webhooks"

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// WebhookRepository wraps all subscription SQL used by the API, the trigger,
// and the delivery worker.
type WebhookRepository struct {
	pool *pgxpool.Pool
	qb   sq.StatementBuilderType
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{
		pool: pool,
		qb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var subscriptionColumns = []string{
	"id", "url", "event_kinds", "enabled", "secret", "headers",
	"timeout_seconds", "max_retries", "created_at", "updated_at",
}

// Create inserts a new subscription.
func (r *WebhookRepository) Create(ctx context.Context, sub *model.Subscription) error {
	now := time.Now().UTC()
	sub.ID = uuid.NewString()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	kinds, headers, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	sql, args, err := r.qb.
		Insert(TableWebhooks).
		Columns(subscriptionColumns...).
		Values(sub.ID, sub.URL, kinds, sub.Enabled, nullable(sub.Secret), headers,
			sub.TimeoutSeconds, sub.MaxRetries, sub.CreatedAt, sub.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	if _, err := r.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Get returns a subscription by id.
func (r *WebhookRepository) Get(ctx context.Context, id string) (*model.Subscription, error) {
	sql, args, err := r.qb.
		Select(subscriptionColumns...).
		From(TableWebhooks).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	sub, err := scanSubscription(r.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	return sub, nil
}

// List returns subscriptions, optionally filtered by enabled state, newest
// first.
func (r *WebhookRepository) List(ctx context.Context, enabled *bool) ([]*model.Subscription, error) {
	builder := r.qb.
		Select(subscriptionColumns...).
		From(TableWebhooks).
		OrderBy("created_at DESC")
	if enabled != nil {
		builder = builder.Where(sq.Eq{"enabled": *enabled})
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	return subs, nil
}

// ListEnabledForEvent returns every enabled subscription whose event-kind set
// contains kind. The JSONB containment check keeps matching on the database
// side.
func (r *WebhookRepository) ListEnabledForEvent(ctx context.Context, kind model.EventKind) ([]*model.Subscription, error) {
	kindJSON, err := json.Marshal([]model.EventKind{kind})
	if err != nil {
		return nil, fmt.Errorf("marshal event kind: %w", err)
	}

	sql, args, err := r.qb.
		Select(subscriptionColumns...).
		From(TableWebhooks).
		Where(sq.Eq{"enabled": true}).
		Where(sq.Expr("event_kinds @> ?", string(kindJSON))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select matching subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read matching subscriptions: %w", err)
	}
	return subs, nil
}

// Update overwrites the stored subscription.
func (r *WebhookRepository) Update(ctx context.Context, sub *model.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()

	kinds, headers, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	sql, args, err := r.qb.
		Update(TableWebhooks).
		Set("url", sub.URL).
		Set("event_kinds", kinds).
		Set("enabled", sub.Enabled).
		Set("secret", nullable(sub.Secret)).
		Set("headers", headers).
		Set("timeout_seconds", sub.TimeoutSeconds).
		Set("max_retries", sub.MaxRetries).
		Set("updated_at", sub.UpdatedAt).
		Where(sq.Eq{"id": sub.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// Delete removes a subscription by id.
func (r *WebhookRepository) Delete(ctx context.Context, id string) error {
	sql, args, err := r.qb.
		Delete(TableWebhooks).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func marshalSubscriptionJSON(sub *model.Subscription) (kinds string, headers *string, err error) {
	kindsJSON, err := json.Marshal(sub.EventKinds)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event kinds: %w", err)
	}
	if len(sub.Headers) > 0 {
		headersJSON, err := json.Marshal(sub.Headers)
		if err != nil {
			return "", nil, fmt.Errorf("marshal headers: %w", err)
		}
		h := string(headersJSON)
		headers = &h
	}
	return string(kindsJSON), headers, nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		sub     model.Subscription
		kinds   []byte
		headers *string
		secret  *string
	)
	if err := row.Scan(
		&sub.ID, &sub.URL, &kinds, &sub.Enabled, &secret, &headers,
		&sub.TimeoutSeconds, &sub.MaxRetries, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(kinds, &sub.EventKinds); err != nil {
		return nil, fmt.Errorf("unmarshal event kinds: %w", err)
	}
	if headers != nil {
		if err := json.Unmarshal([]byte(*headers), &sub.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if secret != nil {
		sub.Secret = *secret
	}
	return &sub, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
