package model

import "time"

// Subscription is a webhook registration. Deliveries for matching events are
// signed with Secret when it is set and retried up to MaxRetries times.
type Subscription struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	EventKinds     []EventKind       `json:"event_kinds"`
	Enabled        bool              `json:"enabled"`
	Secret         string            `json:"secret,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout"`
	MaxRetries     int               `json:"retry_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Subscribed reports whether the subscription registered for the event kind.
func (s *Subscription) Subscribed(kind EventKind) bool {
	for _, k := range s.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}
