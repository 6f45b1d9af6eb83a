// Package store holds the service's persistence: the leaderboard and
// cheater key-value stores, the append-only JSONL logs for edge cases and
// training events, and the labeled training-sample store.
//
// Everything lives in plain files under the data directory. KV stores are
// rewritten atomically on a debounced flush; JSONL logs are buffered
// appenders that preserve arrival order.
package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/SuperSonnix71/Xnake/internal/fileutil"
)

// kvFile is the shared persistence core of the leaderboard and cheater
// stores: an in-memory map snapshot flushed to one JSON document.
type kvFile[V any] struct {
	logger *log.Logger
	clock  quartz.Clock
	path   string

	mu      sync.RWMutex
	records map[string]V
	dirty   bool
}

func newKVFile[V any](logger *log.Logger, clock quartz.Clock, path string) (*kvFile[V], error) {
	kv := &kvFile[V]{
		logger:  logger,
		clock:   clock,
		path:    path,
		records: make(map[string]V),
	}
	err := fileutil.ReadJSON(path, &kv.records)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return kv, nil
}

func (kv *kvFile[V]) get(key string) (V, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.records[key]
	return v, ok
}

func (kv *kvFile[V]) put(key string, v V) {
	kv.mu.Lock()
	kv.records[key] = v
	kv.dirty = true
	kv.mu.Unlock()
}

func (kv *kvFile[V]) len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.records)
}

// snapshot copies the current records so callers can sort or filter without
// holding the lock.
func (kv *kvFile[V]) snapshot() map[string]V {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string]V, len(kv.records))
	for k, v := range kv.records {
		out[k] = v
	}
	return out
}

// Flush rewrites the backing file if anything changed since the last flush.
func (kv *kvFile[V]) Flush() error {
	kv.mu.Lock()
	if !kv.dirty {
		kv.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]V, len(kv.records))
	for k, v := range kv.records {
		snapshot[k] = v
	}
	kv.dirty = false
	kv.mu.Unlock()

	if err := fileutil.WriteJSONAtomic(kv.path, snapshot, 0o644); err != nil {
		// Leave dirty set so the next flush retries.
		kv.mu.Lock()
		kv.dirty = true
		kv.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on a ticker until ctx is cancelled, then flushes once more.
func (kv *kvFile[V]) Run(ctx context.Context, interval time.Duration) error {
	waiter := kv.clock.TickerFunc(ctx, interval, func() error {
		if err := kv.Flush(); err != nil {
			kv.logger.Error("flush failed", "path", kv.path, "err", err)
		}
		return nil
	}, "kv_flush")

	err := waiter.Wait()
	if flushErr := kv.Flush(); flushErr != nil {
		kv.logger.Error("final flush failed", "path", kv.path, "err", flushErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
