// Package buffer coalesces rapid inbound fragments per (contact, channel) into
// one unit of work fired after a quiet window.
package buffer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/wabridge/internal/clock"
	"github.com/memohai/wabridge/internal/metrics"
)

const (
	DefaultMaxFragments = 7
	DefaultTTL          = 10 * time.Minute
	DefaultDelay        = 7 * time.Second
)

// Key identifies one buffer.
type Key struct {
	ContactID string
	Channel   string
}

func (k Key) String() string {
	return k.Channel + ":" + k.ContactID
}

type entry struct {
	fragments []string
	expiresAt time.Time
}

// Store holds ordered fragments per key. Pushes beyond the cap are rejected and
// buffers expire TTL after their last accepted write.
type Store struct {
	mu      sync.Mutex
	clock   clock.Clock
	max     int
	ttl     time.Duration
	entries map[Key]*entry
	logger  *slog.Logger
}

// NewStore creates a Store. Non-positive max or ttl fall back to defaults.
func NewStore(log *slog.Logger, clk clock.Clock, max int, ttl time.Duration) *Store {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if max <= 0 {
		max = DefaultMaxFragments
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		clock:   clk,
		max:     max,
		ttl:     ttl,
		entries: map[Key]*entry{},
		logger:  log.With(slog.String("component", "buffer_store")),
	}
}

// Push appends text to the key's buffer, creating it when absent. It returns
// false when the buffer is already at capacity.
func (s *Store) Push(contactID, channel, text string) bool {
	key := Key{ContactID: contactID, Channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e := s.liveLocked(key, now)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}
	if len(e.fragments) >= s.max {
		s.logger.Warn("buffer full, fragment rejected",
			slog.String("key", key.String()),
			slog.Int("max", s.max),
		)
		metrics.BufferRejected.Inc()
		return false
	}
	e.fragments = append(e.fragments, text)
	e.expiresAt = now.Add(s.ttl)
	metrics.BufferPushes.Inc()
	return true
}

// Get returns a copy of the key's fragments, or nil.
func (s *Store) Get(contactID, channel string) []string {
	key := Key{ContactID: contactID, Channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(key, s.clock.Now())
	if e == nil || len(e.fragments) == 0 {
		return nil
	}
	out := make([]string, len(e.fragments))
	copy(out, e.fragments)
	return out
}

// Len returns the number of buffered fragments for key.
func (s *Store) Len(contactID, channel string) int {
	key := Key{ContactID: contactID, Channel: channel}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(key, s.clock.Now())
	if e == nil {
		return 0
	}
	return len(e.fragments)
}

// Clear removes the key's buffer.
func (s *Store) Clear(contactID, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Key{ContactID: contactID, Channel: channel})
}

// Take removes and returns the key's fragments only when the buffer still holds
// exactly expected fragments. Otherwise the buffer is left untouched.
func (s *Store) Take(key Key, expected int) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(key, s.clock.Now())
	if e == nil || expected <= 0 || len(e.fragments) != expected {
		return nil, false
	}
	delete(s.entries, key)
	return e.fragments, true
}

// PurgeExpired drops every buffer past its TTL and returns how many were dropped.
func (s *Store) PurgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	dropped := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

// Size returns the number of live buffers.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) liveLocked(key Key, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}
