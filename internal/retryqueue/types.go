// Package retryqueue holds failed outbound sends per gateway instance and
// schedules their retries on a fixed backoff table.
package retryqueue

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidEntry is returned when an entry lacks its instance or recipient.
var ErrInvalidEntry = errors.New("retryqueue: invalid entry")

// Entry is one queued outbound message.
type Entry struct {
	ID           string    `json:"id"`
	InstanceName string    `json:"instance_name"`
	LocationID   string    `json:"location_id"`
	ContactID    string    `json:"contact_id"`
	Recipient    string    `json:"recipient"`
	Message      string    `json:"message"`
	MessageID    string    `json:"message_id,omitempty"`
	RetryCount   int       `json:"retry_count"`
	QueuedAt     time.Time `json:"queued_at"`
	NextRetryAt  time.Time `json:"next_retry_at"`
}

// Outcome is the effect of RecordOutcome on an entry.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeDrained     Outcome = "drained"
)

// InstanceStats summarizes one instance queue.
type InstanceStats struct {
	Instance       string    `json:"instance"`
	Total          int       `json:"total"`
	Ready          int       `json:"ready"`
	MaxRetryCount  int       `json:"max_retry_count"`
	OldestQueuedAt time.Time `json:"oldest_queued_at,omitempty"`
}

// Queue is the retry queue contract shared by the memory and redis backends.
type Queue interface {
	// Enqueue appends e with RetryCount 0. It returns false, without touching
	// the queue, when e.MessageID is already queued for the instance.
	Enqueue(ctx context.Context, e Entry) (Entry, bool, error)
	// ListReady returns due entries below the retry limit in enqueue order.
	ListReady(ctx context.Context, instance string) ([]Entry, error)
	// List returns every live entry of the instance in enqueue order.
	List(ctx context.Context, instance string) ([]Entry, error)
	// RecordOutcome removes the entry on success and reschedules or drops it on
	// failure. Unknown ids yield OutcomeNotFound.
	RecordOutcome(ctx context.Context, instance, entryID string, success bool) (Outcome, error)
	// Drain removes and returns every entry of the instance.
	Drain(ctx context.Context, instance string) ([]Entry, error)
	Stats(ctx context.Context) ([]InstanceStats, error)
	Instances(ctx context.Context) ([]string, error)
}

// Policy is the retry schedule.
type Policy struct {
	MaxRetries int
	Backoff    []time.Duration
	// TTL is the lifetime of an instance bucket after its last write.
	TTL time.Duration
}

// DefaultPolicy returns 5 retries over 5, 10, 20, 40 and 60 minutes within 8h.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 5,
		Backoff: []time.Duration{
			5 * time.Minute,
			10 * time.Minute,
			20 * time.Minute,
			40 * time.Minute,
			60 * time.Minute,
		},
		TTL: 8 * time.Hour,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if len(p.Backoff) == 0 {
		p.Backoff = def.Backoff
	}
	if p.TTL <= 0 {
		p.TTL = def.TTL
	}
	return p
}

// Delay returns the wait before the next attempt after retryCount failures.
func (p Policy) Delay(retryCount int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := retryCount
	if idx < 0 {
		idx = 0
	}
	if idx > len(p.Backoff)-1 {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}
