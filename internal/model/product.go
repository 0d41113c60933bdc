// Package model contains the domain types shared across the API, the worker,
// and the repositories.
package model

import "time"

// EventKind identifies the kind of record mutation carried by a webhook.
type EventKind string

const (
	EventRecordCreated EventKind = "record.created"
	EventRecordUpdated EventKind = "record.updated"
	EventRecordDeleted EventKind = "record.deleted"

	// EventWebhookTest is only emitted by the manual test endpoint; it never
	// participates in subscription matching.
	EventWebhookTest EventKind = "webhook.test"
)

// KnownEventKinds lists the kinds a subscription may register for.
var KnownEventKinds = []EventKind{EventRecordCreated, EventRecordUpdated, EventRecordDeleted}

// ValidEventKind reports whether k is a subscribable event kind.
func ValidEventKind(k EventKind) bool {
	for _, known := range KnownEventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Product is a catalog record keyed by its business SKU. SKUs are stored
// lowercased so the unique constraint is case-insensitive.
type Product struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
