// Package notify renders notifications for unnotified releases and attempts
// delivery over two independent channels, recording every attempt.
package notify

import (
	"context"
	"time"
)

// Messenger is the primary channel: one message to one recipient.
// A release is only marked notified after a Messenger success.
type Messenger interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Event is one calendar entry for a release.
type Event struct {
	CalendarID  string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	// DedupKey is an external idempotency key (source URL + date) checked
	// before creation so re-dispatch never duplicates events.
	DedupKey string
}

// Calendar is the secondary channel. Its failures are recorded but never
// gate the notified flag.
type Calendar interface {
	// FindEvent returns (eventRef, found) for an existing event with the
	// given dedup key.
	FindEvent(ctx context.Context, calendarID, dedupKey string) (string, bool, error)
	CreateEvent(ctx context.Context, ev Event) (string, error)
}
