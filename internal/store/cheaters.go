package store

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// CheaterEntry aggregates a player's detected cheats. The full per-incident
// detail lives in the server cheat log; this store backs the hall of shame.
type CheaterEntry struct {
	PlayerKey  string         `json:"player_key"`
	Detections int            `json:"detections"`
	Kinds      map[string]int `json:"kinds"`
	LastKind   string         `json:"last_kind"`
	LastReason string         `json:"last_reason"`
	LastScore  int            `json:"last_score"`
	LastAt     time.Time      `json:"last_at"`
}

// Cheaters is the cheater record store, keyed by player key.
type Cheaters struct {
	kv *kvFile[CheaterEntry]
}

// NewCheaters opens the cheater store backed by the given file.
func NewCheaters(logger *log.Logger, clock quartz.Clock, path string) (*Cheaters, error) {
	kv, err := newKVFile[CheaterEntry](logger.WithPrefix("cheaters"), clock, path)
	if err != nil {
		return nil, err
	}
	return &Cheaters{kv: kv}, nil
}

// Record registers one detected cheat for the player.
func (c *Cheaters) Record(playerKey, kind, reason string, score int) CheaterEntry {
	now := c.kv.clock.Now()

	c.kv.mu.Lock()
	entry, ok := c.kv.records[playerKey]
	if !ok {
		entry = CheaterEntry{PlayerKey: playerKey, Kinds: make(map[string]int)}
	}
	entry.Detections++
	entry.Kinds[kind]++
	entry.LastKind = kind
	entry.LastReason = reason
	entry.LastScore = score
	entry.LastAt = now
	c.kv.records[playerKey] = entry
	c.kv.dirty = true
	c.kv.mu.Unlock()

	return entry
}

// Lookup returns the player's cheat record.
func (c *Cheaters) Lookup(playerKey string) (CheaterEntry, bool) {
	return c.kv.get(playerKey)
}

// Top returns the most-flagged players first.
func (c *Cheaters) Top(limit int) []CheaterEntry {
	entries := make([]CheaterEntry, 0, c.kv.len())
	for _, e := range c.kv.snapshot() {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Detections != entries[j].Detections {
			return entries[i].Detections > entries[j].Detections
		}
		return entries[i].LastAt.After(entries[j].LastAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Flush writes pending changes to disk.
func (c *Cheaters) Flush() error { return c.kv.Flush() }

// Run flushes periodically until ctx is cancelled.
func (c *Cheaters) Run(ctx context.Context, interval time.Duration) error {
	return c.kv.Run(ctx, interval)
}
