// Package session tracks in-flight games between game start and score
// submission.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// Session is one live game: the seed issued to the player and when it was
// issued. A player has at most one live session; starting a new game
// overwrites the previous one.
type Session struct {
	PlayerKey string
	Seed      uint32
	StartedAt time.Time
}

// Registry is the in-memory map of live sessions with TTL eviction. It is
// safe for concurrent use.
type Registry struct {
	logger *log.Logger
	clock  quartz.Clock
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]Session
}

// NewRegistry returns a registry whose sessions expire after ttl.
func NewRegistry(logger *log.Logger, clock quartz.Clock, ttl time.Duration) *Registry {
	return &Registry{
		logger:   logger.WithPrefix("session"),
		clock:    clock,
		ttl:      ttl,
		sessions: make(map[string]Session),
	}
}

// Start records a new session for the player, replacing any existing one.
func (r *Registry) Start(playerKey string, seed uint32) Session {
	s := Session{PlayerKey: playerKey, Seed: seed, StartedAt: r.clock.Now()}

	r.mu.Lock()
	r.sessions[playerKey] = s
	r.mu.Unlock()

	r.logger.Debug("session started", "player", playerKey, "seed", seed)
	return s
}

// Lookup returns the live session for the player, if any. Expired sessions
// are treated as absent even if the sweeper has not run yet.
func (r *Registry) Lookup(playerKey string) (Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[playerKey]
	r.mu.Unlock()

	if !ok || r.clock.Since(s.StartedAt) > r.ttl {
		return Session{}, false
	}
	return s, true
}

// End removes the player's session. Ending an absent session is a no-op.
func (r *Registry) End(playerKey string) {
	r.mu.Lock()
	delete(r.sessions, playerKey)
	r.mu.Unlock()
}

// Len returns the number of sessions currently held, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions past their TTL and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	evicted := 0
	for key, s := range r.sessions {
		if now.Sub(s.StartedAt) > r.ttl {
			delete(r.sessions, key)
			evicted++
		}
	}
	r.mu.Unlock()

	return evicted
}

// Run sweeps expired sessions every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	waiter := r.clock.TickerFunc(ctx, interval, func() error {
		if n := r.Sweep(); n > 0 {
			r.logger.Info("evicted idle sessions", "count", n)
		}
		return nil
	}, "session_sweep")

	err := waiter.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
