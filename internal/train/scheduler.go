package train

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// SchedulerConfig tunes the periodic retraining check.
type SchedulerConfig struct {
	Period    time.Duration // how often the edge-case count is inspected
	Threshold int64         // new edge cases required to trigger
	Cooldown  time.Duration // minimum gap since the last completed run
}

// DefaultSchedulerConfig returns the production scheduler settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Period: 30 * time.Minute, Threshold: 10, Cooldown: 2 * time.Hour}
}

// EdgeCounter reports the total number of edge cases logged so far.
type EdgeCounter interface {
	Count() int64
}

// Scheduler periodically inspects the edge-case log and asks the worker for
// a run when enough new disagreements have accumulated. The last observed
// count only advances when a run is actually triggered, so edge cases
// arriving during a cooldown still count toward the next window.
type Scheduler struct {
	logger *log.Logger
	clock  quartz.Clock
	cfg    SchedulerConfig
	edges  EdgeCounter
	worker *Worker

	lastSeen int64
}

// NewScheduler wires the scheduler against the edge-case log and worker.
func NewScheduler(logger *log.Logger, clock quartz.Clock, cfg SchedulerConfig, edges EdgeCounter, worker *Worker) *Scheduler {
	return &Scheduler{
		logger: logger.WithPrefix("scheduler"),
		clock:  clock,
		cfg:    cfg,
		edges:  edges,
		worker: worker,
	}
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	waiter := s.clock.TickerFunc(ctx, s.cfg.Period, func() error {
		s.check()
		return nil
	}, "train_scheduler")

	err := waiter.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) check() {
	total := s.edges.Count()
	delta := total - s.lastSeen
	if delta < s.cfg.Threshold {
		return
	}
	if s.worker.InProgress() {
		s.logger.Debug("retrain check skipped, run in progress", "new_edge_cases", delta)
		return
	}
	if completed, ok := s.worker.LastCompleted(); ok {
		if since := s.clock.Now().Sub(completed); since < s.cfg.Cooldown {
			s.logger.Debug("retrain check in cooldown",
				"new_edge_cases", delta, "since_last", since, "cooldown", s.cfg.Cooldown)
			return
		}
	}

	outcome := s.worker.Request(TriggerScheduler)
	s.logger.Info("retraining triggered by edge-case accumulation",
		"new_edge_cases", delta, "total", total, "outcome", outcome)
	if outcome != OutcomeDebounced {
		s.lastSeen = total
	}
}
