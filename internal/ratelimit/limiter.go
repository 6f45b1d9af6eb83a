// Package ratelimit provides the per-player sliding window limiter applied
// to game starts and score submissions.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// ErrLimited is the backpressure signal returned when a player exceeds the
// window. The HTTP layer maps it to 429.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Limiter counts events per key over a sliding window. It is safe for
// concurrent use.
type Limiter struct {
	logger *log.Logger
	clock  quartz.Clock
	limit  int
	window time.Duration
	maxAge time.Duration

	mu     sync.Mutex
	events map[string][]time.Time
}

// New returns a limiter allowing limit events per window for each key.
// Keys idle for longer than maxAge are dropped by the GC sweep.
func New(logger *log.Logger, clock quartz.Clock, limit int, window, maxAge time.Duration) *Limiter {
	return &Limiter{
		logger: logger.WithPrefix("ratelimit"),
		clock:  clock,
		limit:  limit,
		window: window,
		maxAge: maxAge,
		events: make(map[string][]time.Time),
	}
}

// Allow records an attempt for the key and reports ErrLimited when the
// window already holds the configured number of events. Rejected attempts
// count toward the window, so a client hammering the endpoint stays limited
// until it backs off.
func (l *Limiter) Allow(key string) error {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := pruneBefore(l.events[key], cutoff)
	kept = append(kept, now)
	l.events[key] = kept

	if len(kept) > l.limit {
		return ErrLimited
	}
	return nil
}

// Sweep drops keys with no event newer than maxAge and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, evs := range l.events {
		if len(evs) == 0 || evs[len(evs)-1].Before(cutoff) {
			delete(l.events, key)
			removed++
		}
	}
	return removed
}

// Run garbage-collects idle keys every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	waiter := l.clock.TickerFunc(ctx, interval, func() error {
		if n := l.Sweep(); n > 0 {
			l.logger.Debug("dropped idle rate limit keys", "count", n)
		}
		return nil
	}, "ratelimit_gc")

	err := waiter.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pruneBefore removes events at or before the cutoff, keeping order.
func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return events
	}
	return append(events[:0], events[idx:]...)
}
