package anticheat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuperSonnix71/Xnake/internal/detect"
	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/identity"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/ratelimit"
	"github.com/SuperSonnix71/Xnake/internal/session"
	"github.com/SuperSonnix71/Xnake/internal/snake"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// fakeRetrainer records training triggers without running anything.
type fakeRetrainer struct {
	mu       sync.Mutex
	triggers []train.Trigger
}

func (f *fakeRetrainer) Request(by train.Trigger) train.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, by)
	return train.OutcomeStarted
}

func (f *fakeRetrainer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

type harness struct {
	orch      *Orchestrator
	clock     *quartz.Mock
	deriver   *identity.Deriver
	sessions  *session.Registry
	predictor *ml.Predictor
	samples   *store.Samples
	cheaters  *store.Cheaters
	edgeLog   *store.Appender
	retrainer *fakeRetrainer
	bus       *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()
	clock := quartz.NewMock(t)

	edgeLog, err := store.NewAppender(logger, clock, filepath.Join(dir, "edge.jsonl"))
	require.NoError(t, err)
	samples, err := store.NewSamples(logger, clock, filepath.Join(dir, "samples.jsonl"))
	require.NoError(t, err)
	cheaters, err := store.NewCheaters(logger, clock, filepath.Join(dir, "cheaters.json"))
	require.NoError(t, err)
	leaderboard, err := store.NewLeaderboard(logger, clock, filepath.Join(dir, "leaderboard.json"))
	require.NoError(t, err)

	h := &harness{
		clock:     clock,
		deriver:   identity.NewDeriver("test-secret"),
		sessions:  session.NewRegistry(logger, clock, 30*time.Minute),
		predictor: ml.NewPredictor(logger),
		samples:   samples,
		cheaters:  cheaters,
		edgeLog:   edgeLog,
		retrainer: &fakeRetrainer{},
		bus:       events.NewBus(logger),
	}
	engine := snake.NewEngine(snake.DefaultConfig())
	h.orch = NewOrchestrator(logger, Deps{
		Clock:       clock,
		Deriver:     h.deriver,
		Limiter:     ratelimit.New(logger, clock, 10, time.Minute, time.Hour),
		Sessions:    h.sessions,
		Chain:       detect.NewChain(logger, detect.DefaultConfig(), engine),
		Predictor:   h.predictor,
		Arbiter:     NewArbiter(logger, clock, edgeLog, h.bus),
		Leaderboard: leaderboard,
		Cheaters:    cheaters,
		Samples:     samples,
		Retrainer:   h.retrainer,
		Bus:         h.bus,
	})
	return h
}

// startSession registers a live session with a known seed, bypassing the
// random seed a real game start would mint.
func (h *harness) startSession(t *testing.T, fingerprint string, seed uint32) string {
	t.Helper()
	key, err := h.deriver.PlayerKey(fingerprint)
	require.NoError(t, err)
	h.sessions.Start(key, seed)
	return key
}

// constantNet builds a single-layer network with zero weights, so its
// output is sigmoid(bias) regardless of input.
func constantNet(t *testing.T, bias float64) *ml.Network {
	t.Helper()
	zeros := strings.TrimSuffix(strings.Repeat("0,", 12), ",")
	doc := fmt.Sprintf(`{"sizes":[12,1],"weights":[[%s]],"biases":[[%g]]}`, zeros, bias)
	net := &ml.Network{}
	require.NoError(t, json.Unmarshal([]byte(doc), net))
	return net
}

func constantBundle(t *testing.T, version string, bias float64) *ml.Bundle {
	t.Helper()
	stds := make([]float64, 12)
	for i := range stds {
		stds[i] = 1
	}
	return &ml.Bundle{
		Version: version,
		Net:     constantNet(t, bias),
		Norm:    ml.Normalization{Means: make([]float64, 12), Stds: stds},
	}
}

// legitShortGame is a verified seed-42 playthrough: one food eaten at
// (23,7), wall collision on frame 24.
func legitShortGame(fingerprint string) SubmitRequest {
	return SubmitRequest{
		Fingerprint:  fingerprint,
		Score:        10,
		SpeedLevel:   1,
		GameDuration: 3,
		FoodEaten:    1,
		Seed:         42,
		TotalFrames:  40,
		Moves:        "1,5,750;0,9,1350",
	}
}

func asError(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	require.ErrorAs(t, err, &e)
	return e
}

func TestSubmitLegitimateShortGame(t *testing.T) {
	h := newHarness(t)
	key := h.startSession(t, "fp-alice", 42)

	res, err := h.orch.Submit(context.Background(), legitShortGame("fp-alice"))
	require.NoError(t, err)
	assert.Equal(t, 10, res.BestScore)
	assert.Equal(t, 1, res.Rank)
	assert.True(t, res.IsNewBest)

	_, live := h.sessions.Lookup(key)
	assert.False(t, live, "accepted submission consumes the session")
	assert.Equal(t, int64(1), h.samples.Count())
	assert.Equal(t, 0, h.retrainer.count())

	snapshot, err := h.samples.Snapshot()
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, store.LabelLegit, snapshot[0].Label)
	assert.Equal(t, key, snapshot[0].PlayerKey)
	assert.Len(t, snapshot[0].Features, 12)
}

func TestSubmitSpeedHackRejected(t *testing.T) {
	h := newHarness(t)
	key := h.startSession(t, "fp-mallory", 42)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-mallory", Score: 100, FoodEaten: 10,
		SpeedLevel: 20, GameDuration: 10, Seed: 42, TotalFrames: 500,
	})
	e := asError(t, err)
	assert.Equal(t, ErrCheatDetected, e.Kind)
	assert.Equal(t, detect.SpeedHack, e.CheatKind)

	entry, ok := h.cheaters.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Detections)
	assert.Equal(t, string(detect.SpeedHack), entry.LastKind)

	require.Equal(t, 1, h.retrainer.count())
	snapshot, err := h.samples.Snapshot()
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, store.LabelCheat, snapshot[0].Label)
	assert.Equal(t, string(detect.SpeedHack), snapshot[0].Kind)
}

func TestSubmitReplayDivergenceRejected(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "fp-carol", 7)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-carol", Score: 50, FoodEaten: 5,
		SpeedLevel: 1, GameDuration: 2, Seed: 7, TotalFrames: 40,
		Moves: "1,5,750",
	})
	e := asError(t, err)
	assert.Equal(t, ErrCheatDetected, e.Kind)
	assert.Equal(t, detect.ReplayFail, e.CheatKind)
	assert.Equal(t, "Score mismatch: replay calculated 0, client sent 50", e.Message)
}

func TestSubmitPauseAbuseRejected(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "fp-dave", 42)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-dave", Score: 10, FoodEaten: 1,
		SpeedLevel: 1, GameDuration: 180, Seed: 42, TotalFrames: 40,
		Moves: "1,5,750;0,9,15750",
	})
	e := asError(t, err)
	assert.Equal(t, detect.PauseAbuse, e.CheatKind)
}

func TestSubmitBotPatternRejected(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "fp-eve", 42)

	// 700 moves for 150 food: machine economy above the 4.0 ratio.
	var sb strings.Builder
	for i := 0; i < 700; i++ {
		fmt.Fprintf(&sb, "%d,%d,%d;", (i%2)+1, i, i*150)
	}
	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-eve", Score: 1500, FoodEaten: 150,
		SpeedLevel: 1, GameDuration: 300, Seed: 42, TotalFrames: 9000,
		Moves: strings.TrimSuffix(sb.String(), ";"),
	})
	e := asError(t, err)
	assert.Equal(t, detect.BotUsage, e.CheatKind)
}

func TestSubmitWithoutSessionRejected(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Submit(context.Background(), legitShortGame("fp-ghost"))
	e := asError(t, err)
	assert.Equal(t, ErrCheatDetected, e.Kind)
	assert.Equal(t, detect.InvalidSession, e.CheatKind)
}

func TestSubmitEmptyGameAcceptedWithoutReplay(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "fp-idle", 42)

	res, err := h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-idle", Score: 0, FoodEaten: 0, SpeedLevel: 1, Seed: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.BestScore)
}

func TestSubmitValidationFailures(t *testing.T) {
	h := newHarness(t)
	h.startSession(t, "fp-alice", 42)

	cases := []struct {
		name string
		mut  func(*SubmitRequest)
	}{
		{"negative score", func(r *SubmitRequest) { r.Score = -1 }},
		{"score above cap", func(r *SubmitRequest) { r.Score = maxScore + 1 }},
		{"negative food", func(r *SubmitRequest) { r.FoodEaten = -1 }},
		{"negative duration", func(r *SubmitRequest) { r.GameDuration = -1 }},
		{"zero speed level", func(r *SubmitRequest) { r.SpeedLevel = 0 }},
		{"frames above cap", func(r *SubmitRequest) { r.TotalFrames = maxTotalFrames + 1 }},
		{"oversized moves payload", func(r *SubmitRequest) { r.Moves = strings.Repeat("1,1,1;", 10000) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := legitShortGame("fp-alice")
			tc.mut(&req)
			_, err := h.orch.Submit(context.Background(), req)
			e := asError(t, err)
			assert.Equal(t, ErrValidation, e.Kind)
		})
	}

	_, ok := h.cheaters.Lookup(mustKey(t, h, "fp-alice"))
	assert.False(t, ok, "validation failures are not cheats")
	assert.Equal(t, int64(0), h.samples.Count())
}

func TestSubmitAuthFailures(t *testing.T) {
	h := newHarness(t)

	for _, fp := range []string{"", strings.Repeat("x", identity.MaxFingerprintLen+1)} {
		req := legitShortGame(fp)
		_, err := h.orch.Submit(context.Background(), req)
		e := asError(t, err)
		assert.Equal(t, ErrAuthFailure, e.Kind)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 10; i++ {
		h.startSession(t, "fp-alice", 42)
		_, err := h.orch.Submit(context.Background(), legitShortGame("fp-alice"))
		require.NoError(t, err, "submission %d", i)
	}

	h.startSession(t, "fp-alice", 42)
	_, err := h.orch.Submit(context.Background(), legitShortGame("fp-alice"))
	e := asError(t, err)
	assert.Equal(t, ErrRateLimited, e.Kind)

	// The window slides: a minute later submissions flow again.
	h.clock.Advance(time.Minute)
	h.startSession(t, "fp-alice", 42)
	_, err = h.orch.Submit(context.Background(), legitShortGame("fp-alice"))
	require.NoError(t, err)
}

func TestShadowModeDecisionIgnoresModel(t *testing.T) {
	h := newHarness(t)

	// A model that calls everything a cheat must not flip an accept.
	h.predictor.Publish(constantBundle(t, "v-paranoid", 10))
	h.startSession(t, "fp-alice", 42)
	_, err := h.orch.Submit(context.Background(), legitShortGame("fp-alice"))
	require.NoError(t, err)

	// A model that clears everything must not flip a reject.
	h.predictor.Publish(constantBundle(t, "v-naive", -10))
	h.startSession(t, "fp-mallory", 42)
	_, err = h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-mallory", Score: 100, FoodEaten: 10,
		SpeedLevel: 20, GameDuration: 10, Seed: 42, TotalFrames: 500,
	})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, ErrCheatDetected, e.Kind)
}

func TestSubmitLogsEdgeCaseOnDisagreement(t *testing.T) {
	h := newHarness(t)
	h.predictor.Publish(constantBundle(t, "v-naive", -10))
	h.startSession(t, "fp-mallory", 42)

	// Score 100 clears the predictor's minimum-score gate; rules reject,
	// the model clears: an edge case either way the decision goes.
	_, err := h.orch.Submit(context.Background(), SubmitRequest{
		Fingerprint: "fp-mallory", Score: 100, FoodEaten: 10,
		SpeedLevel: 20, GameDuration: 10, Seed: 42, TotalFrames: 500,
	})
	require.Error(t, err)

	require.Equal(t, int64(1), h.edgeLog.Count())
	lines, err := h.edgeLog.Tail(1)
	require.NoError(t, err)
	var rec EdgeRecord
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, EdgeRulesPositiveMLNegative, rec.EdgeType)
	assert.True(t, rec.RulesCheat)
	assert.Equal(t, "v-naive", rec.ModelVersion)
}

func TestStartGameReplacesSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.StartGame("fp-alice")
	require.NoError(t, err)
	second, err := h.orch.StartGame("fp-alice")
	require.NoError(t, err)

	key := mustKey(t, h, "fp-alice")
	sess, ok := h.sessions.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, second.Seed, sess.Seed, "newest session wins")
	assert.Equal(t, 1, h.sessions.Len())
}

func mustKey(t *testing.T, h *harness, fingerprint string) string {
	t.Helper()
	key, err := h.deriver.PlayerKey(fingerprint)
	require.NoError(t, err)
	return key
}
