package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// Sample labels.
const (
	LabelLegit = 0
	LabelCheat = 1
)

// Sample is one labeled training example: the extracted feature vector plus
// the label the rule engine assigned. Synthetic samples are marked so
// training logs can report how much of a run was generated data.
type Sample struct {
	ID        string    `json:"id,omitempty"`
	Time      time.Time `json:"time"`
	PlayerKey string    `json:"player_key,omitempty"`
	Label     int       `json:"label"`
	Kind      string    `json:"kind,omitempty"` // cheat kind for positive labels
	Score     int       `json:"score"`
	Features  []float64 `json:"features"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// Samples is the append-only training-sample store. The orchestrator is the
// writer; the training worker reads point-in-time snapshots.
type Samples struct {
	appender *Appender
	path     string
}

// NewSamples opens the sample store backed by the given JSONL file.
func NewSamples(logger *log.Logger, clock quartz.Clock, path string) (*Samples, error) {
	app, err := NewAppender(logger.WithPrefix("samples"), clock, path)
	if err != nil {
		return nil, err
	}
	return &Samples{appender: app, path: path}, nil
}

// Append queues one sample.
func (s *Samples) Append(sample Sample) error {
	return s.appender.Append(sample)
}

// Count returns the number of stored samples.
func (s *Samples) Count() int64 {
	return s.appender.Count()
}

// Snapshot flushes and reads every stored sample. Lines that no longer
// parse are skipped; a partially corrupted store should not block training.
func (s *Samples) Snapshot() ([]Sample, error) {
	if err := s.appender.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open samples: %w", err)
	}
	defer f.Close()

	var out []Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sample Sample
		if err := json.Unmarshal(line, &sample); err != nil {
			continue
		}
		out = append(out, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: read samples: %w", err)
	}
	return out, nil
}

// Flush writes buffered samples to disk.
func (s *Samples) Flush() error { return s.appender.Flush() }

// Run flushes periodically until ctx is cancelled.
func (s *Samples) Run(ctx context.Context, interval time.Duration) error {
	return s.appender.Run(ctx, interval)
}
