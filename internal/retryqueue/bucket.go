package retryqueue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/wabridge/internal/metrics"
)

// bucket is the stored queue of one instance. Both backends share these rules.
type bucket struct {
	Entries   []Entry   `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

func validateEntry(e Entry) error {
	if strings.TrimSpace(e.InstanceName) == "" {
		return fmt.Errorf("%w: instance name is required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEntry)
	}
	return nil
}

func (b *bucket) enqueue(e Entry, p Policy, now time.Time) (Entry, bool) {
	if e.MessageID != "" {
		for _, existing := range b.Entries {
			if existing.MessageID == e.MessageID {
				return existing, false
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.RetryCount = 0
	e.QueuedAt = now
	e.NextRetryAt = now.Add(p.Delay(0))
	b.Entries = append(b.Entries, e)
	b.UpdatedAt = now
	return e, true
}

func (b *bucket) ready(p Policy, now time.Time) []Entry {
	out := make([]Entry, 0, len(b.Entries))
	for _, e := range b.Entries {
		if e.RetryCount < p.MaxRetries && !e.NextRetryAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}

func (b *bucket) record(entryID string, success bool, p Policy, now time.Time) Outcome {
	idx := -1
	for i, e := range b.Entries {
		if e.ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return OutcomeNotFound
	}
	b.UpdatedAt = now
	if success {
		b.remove(idx)
		return OutcomeDelivered
	}
	e := &b.Entries[idx]
	e.RetryCount++
	if e.RetryCount >= p.MaxRetries {
		b.remove(idx)
		return OutcomeExhausted
	}
	e.NextRetryAt = now.Add(p.Delay(e.RetryCount))
	return OutcomeRescheduled
}

func (b *bucket) remove(idx int) {
	b.Entries = append(b.Entries[:idx], b.Entries[idx+1:]...)
}

func (b *bucket) stats(instance string, p Policy, now time.Time) InstanceStats {
	st := InstanceStats{Instance: instance, Total: len(b.Entries)}
	for _, e := range b.Entries {
		if e.RetryCount < p.MaxRetries && !e.NextRetryAt.After(now) {
			st.Ready++
		}
		if e.RetryCount > st.MaxRetryCount {
			st.MaxRetryCount = e.RetryCount
		}
		if st.OldestQueuedAt.IsZero() || e.QueuedAt.Before(st.OldestQueuedAt) {
			st.OldestQueuedAt = e.QueuedAt
		}
	}
	return st
}

func cloneEntries(in []Entry) []Entry {
	if len(in) == 0 {
		return []Entry{}
	}
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}

func observeEnqueue(instance string, added bool, depth int) {
	if added {
		metrics.RetryEnqueued.WithLabelValues(instance).Inc()
	} else {
		metrics.RetryDuplicates.WithLabelValues(instance).Inc()
	}
	metrics.RetryDepth.WithLabelValues(instance).Set(float64(depth))
}

func observeOutcome(instance string, outcome Outcome, depth int) {
	metrics.RetryOutcomes.WithLabelValues(instance, string(outcome)).Inc()
	metrics.RetryDepth.WithLabelValues(instance).Set(float64(depth))
}
