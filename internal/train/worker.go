package train

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/klauspost/compress/zstd"

	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/recordid"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

// Worker states. The CAS transitions guarantee at most one run in flight
// and that a request arriving during a run is never dropped.
const (
	stateIdle int32 = iota
	stateRunning
	stateRunningPending
)

// Trigger identifies who asked for a training run.
type Trigger string

const (
	TriggerCheat     Trigger = "cheat_event" // orchestrator, on a cheat detection
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual" // admin API or CLI
)

// Outcome is the worker's answer to a training request.
type Outcome string

const (
	OutcomeStarted   Outcome = "started"
	OutcomeQueued    Outcome = "queued"    // a run is in flight; one follow-up is scheduled
	OutcomeDebounced Outcome = "debounced" // cheat-event trigger inside the minimum gap
)

// WorkerConfig tunes the retraining worker.
type WorkerConfig struct {
	Debounce time.Duration // minimum gap between cheat-event triggered runs
	Seed     int64         // nonzero pins the training seed (tests)

	// F1 and accuracy may regress by at most this much before a new model
	// is refused activation.
	MaxRegression float64
}

// DefaultWorkerConfig returns the production worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Debounce: 5 * time.Minute, MaxRegression: 0.02}
}

// LogEntry is one line of the append-only training log.
type LogEntry struct {
	ID               string     `json:"id"`
	Time             time.Time  `json:"time"`
	Version          string     `json:"version"`
	Trigger          Trigger    `json:"trigger"`
	Status           string     `json:"status"` // completed | failed
	Error            string     `json:"error,omitempty"`
	RealSamples      int        `json:"real_samples"`
	SyntheticSamples int        `json:"synthetic_samples"`
	Metrics          ml.Metrics `json:"metrics"`
	Activated        bool       `json:"activated"`
	Elapsed          string     `json:"elapsed"`
}

// SampleSource is the labeled-sample store the worker trains from.
type SampleSource interface {
	Snapshot() ([]store.Sample, error)
}

// Worker owns the retraining loop: it snapshots the sample store, runs the
// trainer, persists the result, and decides activation. Requests arriving
// while a run is in flight collapse into exactly one follow-up run.
type Worker struct {
	logger    *log.Logger
	clock     quartz.Clock
	cfg       WorkerConfig
	runner    Runner
	samples   SampleSource
	registry  *ml.Registry
	predictor *ml.Predictor
	trainLog  *store.Appender
	bus       *events.Bus
	ids       *recordid.Generator

	state         atomic.Int32
	wake          chan trigger
	lastStarted   atomic.Int64 // unix nano, 0 = never
	lastCompleted atomic.Int64
}

type trigger struct {
	by Trigger
}

// NewWorker wires the retraining worker. Run must be started for requests
// to be served.
func NewWorker(logger *log.Logger, clock quartz.Clock, cfg WorkerConfig, runner Runner,
	samples SampleSource, registry *ml.Registry, predictor *ml.Predictor,
	trainLog *store.Appender, bus *events.Bus,
) *Worker {
	return &Worker{
		logger:    logger.WithPrefix("worker"),
		clock:     clock,
		cfg:       cfg,
		runner:    runner,
		samples:   samples,
		registry:  registry,
		predictor: predictor,
		trainLog:  trainLog,
		bus:       bus,
		ids:       recordid.New("run"),
		wake:      make(chan trigger, 1),
	}
}

// Request asks for a training run. Cheat-event triggers are debounced
// against the start of the previous run; scheduler and manual triggers are
// not, since the scheduler carries its own cooldown.
func (w *Worker) Request(by Trigger) Outcome {
	if by == TriggerCheat {
		if last := w.lastStarted.Load(); last != 0 &&
			w.clock.Now().Sub(time.Unix(0, last)) < w.cfg.Debounce {
			return OutcomeDebounced
		}
	}
	for {
		switch w.state.Load() {
		case stateIdle:
			if w.state.CompareAndSwap(stateIdle, stateRunning) {
				select {
				case w.wake <- trigger{by: by}:
				default:
				}
				return OutcomeStarted
			}
		case stateRunning:
			if w.state.CompareAndSwap(stateRunning, stateRunningPending) {
				return OutcomeQueued
			}
		default: // stateRunningPending
			return OutcomeQueued
		}
	}
}

// InProgress reports whether a run is currently executing.
func (w *Worker) InProgress() bool {
	return w.state.Load() != stateIdle
}

// LastCompleted returns the completion time of the most recent run.
func (w *Worker) LastCompleted() (time.Time, bool) {
	ns := w.lastCompleted.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Run serves training requests until the context is canceled. A pending
// request set during a run is executed immediately after it, before the
// worker returns to idle.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case trig := <-w.wake:
			running := true
			for running {
				w.runOnce(ctx, trig.by)
				if ctx.Err() != nil {
					return nil
				}
				// A Request can flip Running to RunningPending at any
				// moment, so retry until one transition lands. Giving
				// up after a failed Running->Idle swap would strand
				// the pending request with no run to serve it.
				for {
					if w.state.CompareAndSwap(stateRunningPending, stateRunning) {
						trig.by = TriggerManual // follow-up run, origin already served
						break
					}
					if w.state.CompareAndSwap(stateRunning, stateIdle) {
						running = false
						break
					}
				}
			}
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, by Trigger) {
	started := w.clock.Now()
	w.lastStarted.Store(started.UnixNano())

	snapshot, err := w.samples.Snapshot()
	if err != nil {
		w.logger.Error("sample snapshot failed, skipping run", "err", err)
		return
	}

	seed := w.cfg.Seed
	if seed == 0 {
		seed = started.UnixNano()
	}

	w.logger.Info("training run starting", "trigger", by, "samples", len(snapshot))
	w.bus.Publish(events.Event{Type: events.TypeTrainingStarted, Detail: string(by)})

	result, err := w.runner.Train(ctx, snapshot, seed, started, func(p Progress) {
		if p.Epoch%10 == 0 || p.Epoch == p.Epochs {
			w.logger.Debug("training progress", "epoch", p.Epoch, "of", p.Epochs,
				"loss", fmt.Sprintf("%.4f", p.Loss))
		}
	})
	finished := w.clock.Now()
	if err != nil {
		w.logger.Error("training run failed", "err", err)
		w.appendLog(LogEntry{
			ID:   w.ids.ID(),
			Time: finished, Trigger: by, Status: "failed", Error: err.Error(),
			Elapsed: finished.Sub(started).String(),
		})
		w.lastCompleted.Store(finished.UnixNano())
		return
	}

	activated, err := w.publish(result)
	if err != nil {
		w.logger.Error("persisting trained model failed", "version", result.Bundle.Version, "err", err)
	}

	w.appendLog(LogEntry{
		ID:               w.ids.ID(),
		Time:             finished,
		Version:          result.Bundle.Version,
		Trigger:          by,
		Status:           "completed",
		RealSamples:      result.RealSamples,
		SyntheticSamples: result.SyntheticSamples,
		Metrics:          result.Bundle.Metrics,
		Activated:        activated,
		Elapsed:          finished.Sub(started).String(),
	})
	w.bus.Publish(events.Event{
		Type:    events.TypeTrainingCompleted,
		Version: result.Bundle.Version,
		Detail: fmt.Sprintf("f1=%.3f accuracy=%.3f activated=%t",
			result.Bundle.Metrics.F1, result.Bundle.Metrics.Accuracy, activated),
	})
	w.lastCompleted.Store(finished.UnixNano())
}

// publish saves the trained bundle and its dataset snapshot, then applies
// the activation rule: the first model always activates; afterwards a model
// activates only if neither F1 nor accuracy regresses beyond the limit.
func (w *Worker) publish(result *Result) (bool, error) {
	if err := w.registry.Save(result.Bundle); err != nil {
		return false, err
	}
	if err := w.writeDataset(result); err != nil {
		w.logger.Warn("dataset snapshot failed", "version", result.Bundle.Version, "err", err)
	}

	prev := w.predictor.Active()
	if prev != nil {
		m, pm := result.Bundle.Metrics, prev.Metrics
		if m.F1 < pm.F1-w.cfg.MaxRegression || m.Accuracy < pm.Accuracy-w.cfg.MaxRegression {
			w.logger.Info("model not activated, metrics regressed",
				"version", result.Bundle.Version,
				"f1", fmt.Sprintf("%.3f", m.F1), "prev_f1", fmt.Sprintf("%.3f", pm.F1),
				"accuracy", fmt.Sprintf("%.3f", m.Accuracy), "prev_accuracy", fmt.Sprintf("%.3f", pm.Accuracy))
			return false, nil
		}
	}

	if err := w.registry.SetActive(result.Bundle.Version); err != nil {
		return false, err
	}
	w.predictor.Publish(result.Bundle)
	w.bus.Publish(events.Event{Type: events.TypeModelActivated, Version: result.Bundle.Version})
	return true, nil
}

// writeDataset stores the exact training set next to the model artifacts as
// zstd-compressed JSON lines, one sample per line.
func (w *Worker) writeDataset(result *Result) error {
	path := filepath.Join(w.registry.VersionDir(result.Bundle.Version), "dataset.jsonl.zst")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("train: create dataset snapshot: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("train: zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	for i := range result.Dataset {
		if err := enc.Encode(&result.Dataset[i]); err != nil {
			zw.Close()
			return fmt.Errorf("train: encode dataset sample: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("train: close dataset snapshot: %w", err)
	}
	return f.Close()
}

func (w *Worker) appendLog(e LogEntry) {
	if err := w.trainLog.Append(e); err != nil {
		w.logger.Error("training log append failed", "err", err)
	}
}
