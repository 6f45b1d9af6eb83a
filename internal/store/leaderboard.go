package store

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// LeaderboardEntry is one player's hall-of-fame record.
type LeaderboardEntry struct {
	PlayerKey string    `json:"player_key"`
	BestScore int       `json:"best_score"`
	FoodEaten int       `json:"food_eaten"` // food count of the best game
	Games     int       `json:"games"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmitResult is what the orchestrator reports back to the client after an
// accepted score.
type SubmitResult struct {
	BestScore int
	Rank      int
	IsNewBest bool
}

// Leaderboard is the hall-of-fame store, keyed by player key.
type Leaderboard struct {
	kv *kvFile[LeaderboardEntry]
}

// NewLeaderboard opens the leaderboard backed by the given file.
func NewLeaderboard(logger *log.Logger, clock quartz.Clock, path string) (*Leaderboard, error) {
	kv, err := newKVFile[LeaderboardEntry](logger.WithPrefix("leaderboard"), clock, path)
	if err != nil {
		return nil, err
	}
	return &Leaderboard{kv: kv}, nil
}

// Submit records an accepted score and returns the player's best, rank, and
// whether this game set a new best.
func (l *Leaderboard) Submit(playerKey string, score, foodEaten int) SubmitResult {
	now := l.kv.clock.Now()

	l.kv.mu.Lock()
	entry, ok := l.kv.records[playerKey]
	entry.PlayerKey = playerKey
	entry.Games++
	isNewBest := !ok || score > entry.BestScore
	if isNewBest {
		entry.BestScore = score
		entry.FoodEaten = foodEaten
	}
	entry.UpdatedAt = now
	l.kv.records[playerKey] = entry
	l.kv.dirty = true

	rank := 1
	for _, other := range l.kv.records {
		if other.PlayerKey != playerKey && other.BestScore > entry.BestScore {
			rank++
		}
	}
	l.kv.mu.Unlock()

	return SubmitResult{BestScore: entry.BestScore, Rank: rank, IsNewBest: isNewBest}
}

// Best returns the player's current best score.
func (l *Leaderboard) Best(playerKey string) (LeaderboardEntry, bool) {
	return l.kv.get(playerKey)
}

// Top returns the highest-scoring entries, best first.
func (l *Leaderboard) Top(limit int) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, l.kv.len())
	for _, e := range l.kv.snapshot() {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BestScore != entries[j].BestScore {
			return entries[i].BestScore > entries[j].BestScore
		}
		return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Flush writes pending changes to disk.
func (l *Leaderboard) Flush() error { return l.kv.Flush() }

// Run flushes periodically until ctx is cancelled.
func (l *Leaderboard) Run(ctx context.Context, interval time.Duration) error {
	return l.kv.Run(ctx, interval)
}
