package train

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/randutil"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

// fakeRunner counts training runs and can be made to block until released.
type fakeRunner struct {
	mu      sync.Mutex
	n       int
	block   chan struct{} // nil means runs complete immediately
	entered chan struct{}
	metrics []ml.Metrics // per-run metrics, last one repeats
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{entered: make(chan struct{}, 16)}
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeRunner) Train(ctx context.Context, _ []store.Sample, _ int64, now time.Time, _ func(Progress)) (*Result, error) {
	f.mu.Lock()
	f.n++
	n := f.n
	var m ml.Metrics
	if len(f.metrics) > 0 {
		idx := n - 1
		if idx >= len(f.metrics) {
			idx = len(f.metrics) - 1
		}
		m = f.metrics[idx]
	} else {
		m = ml.Metrics{Accuracy: 0.9, F1: 0.9}
	}
	f.mu.Unlock()

	f.entered <- struct{}{}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{
		Bundle: &ml.Bundle{
			Version:   fmt.Sprintf("v%03d", n),
			TrainedAt: now,
			Net:       ml.NewNetwork(randutil.New(int64(n)), 12, 4, 1),
			Norm:      ml.Normalization{Means: make([]float64, 12), Stds: onesSlice(12)},
			Metrics:   m,
		},
		RealSamples: 1,
	}, nil
}

func onesSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

type workerHarness struct {
	worker    *Worker
	runner    *fakeRunner
	clock     *quartz.Mock
	registry  *ml.Registry
	predictor *ml.Predictor
	trainLog  *store.Appender
	bus       *events.Bus
}

func newWorkerHarness(t *testing.T, runner *fakeRunner) *workerHarness {
	t.Helper()
	dir := t.TempDir()
	clock := quartz.NewMock(t)
	logger := testLogger()

	registry, err := ml.NewRegistry(logger, filepath.Join(dir, "models"))
	require.NoError(t, err)
	trainLog, err := store.NewAppender(logger, clock, filepath.Join(dir, "training.jsonl"))
	require.NoError(t, err)

	samples, err := store.NewSamples(logger, clock, filepath.Join(dir, "samples.jsonl"))
	require.NoError(t, err)

	h := &workerHarness{
		runner:    runner,
		clock:     clock,
		registry:  registry,
		predictor: ml.NewPredictor(logger),
		trainLog:  trainLog,
		bus:       events.NewBus(logger),
	}
	h.worker = NewWorker(logger, clock, DefaultWorkerConfig(), runner,
		samples, registry, h.predictor, trainLog, h.bus)
	return h
}

func (h *workerHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitIdle(t *testing.T, w *Worker) {
	t.Helper()
	require.Eventually(t, func() bool { return !w.InProgress() },
		5*time.Second, time.Millisecond)
}

func TestWorkerPendingRequestIsNeverDropped(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	h := newWorkerHarness(t, runner)
	h.start(t)

	assert.Equal(t, OutcomeStarted, h.worker.Request(TriggerManual))
	<-runner.entered
	assert.True(t, h.worker.InProgress())

	// Any number of requests during a run collapse into one follow-up.
	assert.Equal(t, OutcomeQueued, h.worker.Request(TriggerManual))
	assert.Equal(t, OutcomeQueued, h.worker.Request(TriggerScheduler))

	close(runner.block)
	<-runner.entered // the follow-up run starts without a new request
	waitIdle(t, h.worker)
	assert.Equal(t, 2, runner.calls())
}

func TestWorkerSettlesUnderRequestStorm(t *testing.T) {
	runner := newFakeRunner()
	runner.entered = make(chan struct{}, 4096)
	h := newWorkerHarness(t, runner)
	h.start(t)

	// Hammer the worker with requests racing against instant run
	// completions. Every request must either start a run or be folded
	// into a follow-up; the state machine has to come back to idle.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h.worker.Request(TriggerScheduler)
			}
		}()
	}
	wg.Wait()
	waitIdle(t, h.worker)

	// A stranded follow-up would leave the worker claiming a run is in
	// flight and answer Queued here without anything ever executing.
	calls := runner.calls()
	require.Equal(t, OutcomeStarted, h.worker.Request(TriggerManual))
	waitIdle(t, h.worker)
	assert.Greater(t, runner.calls(), calls)
}

func TestWorkerDebouncesCheatTriggers(t *testing.T) {
	runner := newFakeRunner()
	h := newWorkerHarness(t, runner)
	h.start(t)

	assert.Equal(t, OutcomeStarted, h.worker.Request(TriggerCheat))
	waitIdle(t, h.worker)
	require.Equal(t, 1, runner.calls())

	assert.Equal(t, OutcomeDebounced, h.worker.Request(TriggerCheat))
	assert.Equal(t, 1, runner.calls(), "debounced trigger must not queue a run")

	// Scheduler and manual triggers bypass the debounce window.
	assert.Equal(t, OutcomeStarted, h.worker.Request(TriggerScheduler))
	waitIdle(t, h.worker)
	assert.Equal(t, 2, runner.calls())

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, OutcomeStarted, h.worker.Request(TriggerCheat))
	waitIdle(t, h.worker)
	assert.Equal(t, 3, runner.calls())
}

func TestWorkerRunPersistsModelAndLog(t *testing.T) {
	runner := newFakeRunner()
	h := newWorkerHarness(t, runner)
	h.start(t)

	ch, cancelSub := h.bus.Subscribe(8)
	defer cancelSub()

	require.Equal(t, OutcomeStarted, h.worker.Request(TriggerManual))
	waitIdle(t, h.worker)

	active := h.predictor.Active()
	require.NotNil(t, active, "first model is always activated")
	assert.Equal(t, "v001", active.Version)

	version, ok := h.registry.ActiveVersion()
	require.True(t, ok)
	assert.Equal(t, "v001", version)

	entries, err := h.trainLog.Tail(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	completed, ok := h.worker.LastCompleted()
	require.True(t, ok)
	assert.False(t, completed.IsZero())

	types := map[events.Type]bool{}
	for i := 0; i < 3; i++ {
		ev := <-ch
		types[ev.Type] = true
	}
	assert.True(t, types[events.TypeTrainingStarted])
	assert.True(t, types[events.TypeTrainingCompleted])
	assert.True(t, types[events.TypeModelActivated])
}

func TestWorkerActivationRule(t *testing.T) {
	runner := newFakeRunner()
	runner.metrics = []ml.Metrics{
		{Accuracy: 0.90, F1: 0.90},
		{Accuracy: 0.90, F1: 0.85}, // F1 regressed past the limit
		{Accuracy: 0.87, F1: 0.90}, // accuracy regressed past the limit
		{Accuracy: 0.89, F1: 0.89}, // inside the limit on both
	}
	h := newWorkerHarness(t, runner)
	h.start(t)

	for i := 0; i < 4; i++ {
		require.Equal(t, OutcomeStarted, h.worker.Request(TriggerManual))
		waitIdle(t, h.worker)
	}
	require.Equal(t, 4, runner.calls())

	active := h.predictor.Active()
	require.NotNil(t, active)
	assert.Equal(t, "v004", active.Version, "only non-regressed models displace the active one")

	infos, err := h.registry.List()
	require.NoError(t, err)
	assert.Len(t, infos, 4, "rejected models are still stored")
}
