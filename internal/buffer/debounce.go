package buffer

import (
	"sync"
	"time"

	"github.com/memohai/wabridge/internal/clock"
)

// Debouncer keeps at most one pending callback per key. Arming a key cancels
// and replaces its previous timer.
type Debouncer struct {
	mu     sync.Mutex
	clock  clock.Clock
	seq    uint64
	timers map[Key]pendingTimer
}

type pendingTimer struct {
	timer clock.Timer
	gen   uint64
}

func NewDebouncer(clk clock.Clock) *Debouncer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Debouncer{clock: clk, timers: map[Key]pendingTimer{}}
}

// Setup (re)arms the timer for the key. fn runs once after delay unless the key
// is re-armed or canceled first.
func (d *Debouncer) Setup(contactID, channel string, fn func(), delay time.Duration) {
	key := Key{ContactID: contactID, Channel: channel}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.timers[key]; ok {
		prev.timer.Stop()
	}
	d.seq++
	gen := d.seq
	timer := d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		cur, ok := d.timers[key]
		if !ok || cur.gen != gen {
			// Replaced or canceled after the timer was already due.
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = pendingTimer{timer: timer, gen: gen}
}

// Cancel stops the key's pending timer and reports whether one existed.
func (d *Debouncer) Cancel(contactID, channel string) bool {
	key := Key{ContactID: contactID, Channel: channel}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.timers[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(d.timers, key)
	return true
}

// Pending reports whether a timer is armed for the key.
func (d *Debouncer) Pending(contactID, channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[Key{ContactID: contactID, Channel: channel}]
	return ok
}

// StopAll cancels every pending timer.
func (d *Debouncer) StopAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.timers)
	for key, cur := range d.timers {
		cur.timer.Stop()
		delete(d.timers, key)
	}
	return n
}
