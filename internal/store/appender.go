package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// ErrAppenderDisabled is returned once repeated flush failures have shut an
// appender down. Entries appended after that are dropped.
var ErrAppenderDisabled = errors.New("store: appender disabled after repeated flush failures")

// maxConsecutiveFailures is how many flushes may fail in a row before the
// appender disables itself rather than grow its buffer forever.
const maxConsecutiveFailures = 3

// Appender is a buffered append-only JSONL writer. Entries keep arrival
// order; a periodic flush (plus an explicit Flush) moves them to disk.
type Appender struct {
	logger *log.Logger
	clock  quartz.Clock
	path   string

	mu                  sync.Mutex
	buffer              []byte
	buffered            int
	count               int64
	consecutiveFailures int
	disabled            bool
}

// NewAppender opens the JSONL file at path, counting any existing lines so
// Count reflects the whole log.
func NewAppender(logger *log.Logger, clock quartz.Clock, path string) (*Appender, error) {
	count, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Appender{
		logger: logger,
		clock:  clock,
		path:   path,
		count:  count,
	}, nil
}

// Append marshals v and queues it for the next flush.
func (a *Appender) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disabled {
		return ErrAppenderDisabled
	}
	a.buffer = append(a.buffer, data...)
	a.buffer = append(a.buffer, '\n')
	a.buffered++
	a.count++
	return nil
}

// Count returns the total number of entries, flushed or buffered.
func (a *Appender) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Flush appends the buffered entries to the file. After too many
// consecutive failures the appender disables itself and drops its buffer.
func (a *Appender) Flush() error {
	a.mu.Lock()
	if a.disabled || len(a.buffer) == 0 {
		a.mu.Unlock()
		return nil
	}
	pending := a.buffer
	pendingEntries := a.buffered
	a.buffer = nil
	a.buffered = 0
	a.mu.Unlock()

	err := appendFile(a.path, pending)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		a.consecutiveFailures = 0
		return nil
	}

	a.consecutiveFailures++
	if a.consecutiveFailures >= maxConsecutiveFailures {
		a.disabled = true
		a.count -= int64(pendingEntries)
		a.logger.Error("appender disabled after repeated failures",
			"path", a.path, "dropped", pendingEntries, "err", err)
		return fmt.Errorf("store: flush %s: %w", a.path, err)
	}
	// Put the entries back so the next flush retries them in order.
	a.buffer = append(pending, a.buffer...)
	a.buffered += pendingEntries
	return fmt.Errorf("store: flush %s: %w", a.path, err)
}

// Disabled reports whether the appender has shut itself down.
func (a *Appender) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled
}

// Tail flushes and returns the last limit entries as raw JSON lines, oldest
// first.
func (a *Appender) Tail(limit int) ([]json.RawMessage, error) {
	if err := a.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, json.RawMessage(append([]byte(nil), line...)))
		if limit > 0 && len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// Run flushes on a ticker until ctx is cancelled, then flushes once more.
func (a *Appender) Run(ctx context.Context, interval time.Duration) error {
	waiter := a.clock.TickerFunc(ctx, interval, func() error {
		if err := a.Flush(); err != nil {
			a.logger.Error("periodic flush failed", "path", a.path, "err", err)
		}
		return nil
	}, "appender_flush")

	err := waiter.Wait()
	if flushErr := a.Flush(); flushErr != nil {
		a.logger.Error("final flush failed", "path", a.path, "err", flushErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
