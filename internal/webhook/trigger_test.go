package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skuflow/skuflow/internal/model"
	"github.com/skuflow/skuflow/internal/queue"
)

type fakeSource struct {
	byKind  map[model.EventKind][]*model.Subscription
	err     error
	lookups int
}

func (f *fakeSource) ListEnabledForEvent(_ context.Context, kind model.EventKind) ([]*model.Subscription, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	return f.byKind[kind], nil
}

type fakeEnqueuer struct {
	payloads []queue.DeliverPayload
	retries  []int
	err      error
}

func (f *fakeEnqueuer) EnqueueDeliver(_ context.Context, payload queue.DeliverPayload, maxRetry int) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	f.retries = append(f.retries, maxRetry)
	return nil
}

func TestNotifyFansOutToMatchingSubscriptions(t *testing.T) {
	subA := &model.Subscription{ID: "a", MaxRetries: 3}
	subB := &model.Subscription{ID: "b", MaxRetries: 5}
	source := &fakeSource{byKind: map[model.EventKind][]*model.Subscription{
		model.EventRecordCreated: {subA, subB},
	}}
	enq := &fakeEnqueuer{}

	trigger := NewTrigger(testLogger(), source, enq)
	trigger.Notify(context.Background(), model.EventRecordCreated, &model.Product{ID: "p1", SKU: "abc"})

	assert.Len(t, enq.payloads, 2)
	assert.Equal(t, "a", enq.payloads[0].SubscriptionID)
	assert.Equal(t, "b", enq.payloads[1].SubscriptionID)
	assert.Equal(t, []int{3, 5}, enq.retries)
	for _, p := range enq.payloads {
		assert.Equal(t, model.EventRecordCreated, p.Event)
		assert.JSONEq(t, `{"id":"p1","sku":"abc","name":"","description":null,"active":false,"created_at":"0001-01-01T00:00:00Z","updated_at":"0001-01-01T00:00:00Z"}`, string(p.Record))
	}
}

func TestNotifyBatchLooksUpOncePerKind(t *testing.T) {
	source := &fakeSource{byKind: map[model.EventKind][]*model.Subscription{
		model.EventRecordCreated: {{ID: "a"}},
		model.EventRecordUpdated: {{ID: "a"}},
	}}
	enq := &fakeEnqueuer{}

	events := []Event{
		{Kind: model.EventRecordCreated, Product: &model.Product{ID: "1"}},
		{Kind: model.EventRecordCreated, Product: &model.Product{ID: "2"}},
		{Kind: model.EventRecordUpdated, Product: &model.Product{ID: "3"}},
		{Kind: model.EventRecordCreated, Product: &model.Product{ID: "4"}},
	}
	NewTrigger(testLogger(), source, enq).NotifyBatch(context.Background(), events)

	assert.Equal(t, 2, source.lookups)
	assert.Len(t, enq.payloads, 4)
}

func TestNotifyNoSubscribersEnqueuesNothing(t *testing.T) {
	enq := &fakeEnqueuer{}
	NewTrigger(testLogger(), &fakeSource{}, enq).
		Notify(context.Background(), model.EventRecordDeleted, &model.Product{ID: "p1"})
	assert.Empty(t, enq.payloads)
}

func TestNotifySwallowsLookupAndEnqueueErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("db down")}
	NewTrigger(testLogger(), source, &fakeEnqueuer{}).
		Notify(context.Background(), model.EventRecordCreated, &model.Product{ID: "p1"})

	source = &fakeSource{byKind: map[model.EventKind][]*model.Subscription{
		model.EventRecordCreated: {{ID: "a"}},
	}}
	enq := &fakeEnqueuer{err: errors.New("redis down")}
	NewTrigger(testLogger(), source, enq).
		Notify(context.Background(), model.EventRecordCreated, &model.Product{ID: "p1"})
	assert.Empty(t, enq.payloads)
}
