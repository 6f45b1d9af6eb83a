package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuperSonnix71/Xnake/internal/anticheat"
	"github.com/SuperSonnix71/Xnake/internal/detect"
	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/identity"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/randutil"
	"github.com/SuperSonnix71/Xnake/internal/ratelimit"
	"github.com/SuperSonnix71/Xnake/internal/session"
	"github.com/SuperSonnix71/Xnake/internal/snake"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// stubRunner satisfies the worker without ever training; the API tests only
// care about request handling, not model quality.
type stubRunner struct{}

func (stubRunner) Train(context.Context, []store.Sample, int64, time.Time, func(train.Progress)) (*train.Result, error) {
	return nil, context.Canceled
}

type apiHarness struct {
	srv       *httptest.Server
	clock     *quartz.Mock
	deriver   *identity.Deriver
	sessions  *session.Registry
	predictor *ml.Predictor
	registry  *ml.Registry
	samples   *store.Samples
	worker    *train.Worker
	bus       *events.Bus
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()
	clock := quartz.NewMock(t)

	edgeLog, err := store.NewAppender(logger, clock, filepath.Join(dir, "edge.jsonl"))
	require.NoError(t, err)
	trainLog, err := store.NewAppender(logger, clock, filepath.Join(dir, "training.jsonl"))
	require.NoError(t, err)
	samples, err := store.NewSamples(logger, clock, filepath.Join(dir, "samples.jsonl"))
	require.NoError(t, err)
	cheaters, err := store.NewCheaters(logger, clock, filepath.Join(dir, "cheaters.json"))
	require.NoError(t, err)
	leaderboard, err := store.NewLeaderboard(logger, clock, filepath.Join(dir, "leaderboard.json"))
	require.NoError(t, err)
	registry, err := ml.NewRegistry(logger, filepath.Join(dir, "models"))
	require.NoError(t, err)

	h := &apiHarness{
		clock:     clock,
		deriver:   identity.NewDeriver("test-secret"),
		sessions:  session.NewRegistry(logger, clock, 30*time.Minute),
		predictor: ml.NewPredictor(logger),
		registry:  registry,
		samples:   samples,
		bus:       events.NewBus(logger),
	}
	h.worker = train.NewWorker(logger, clock, train.DefaultWorkerConfig(), stubRunner{},
		samples, registry, h.predictor, trainLog, h.bus)

	engine := snake.NewEngine(snake.DefaultConfig())
	orch := anticheat.NewOrchestrator(logger, anticheat.Deps{
		Clock:       clock,
		Deriver:     h.deriver,
		Limiter:     ratelimit.New(logger, clock, 10, time.Minute, time.Hour),
		Sessions:    h.sessions,
		Chain:       detect.NewChain(logger, detect.DefaultConfig(), engine),
		Predictor:   h.predictor,
		Arbiter:     anticheat.NewArbiter(logger, clock, edgeLog, h.bus),
		Leaderboard: leaderboard,
		Cheaters:    cheaters,
		Samples:     samples,
		Retrainer:   h.worker,
		Bus:         h.bus,
	})

	server := NewServer(logger, "127.0.0.1:0", 5*time.Second, Deps{
		Orchestrator: orch,
		Leaderboard:  leaderboard,
		Cheaters:     cheaters,
		Samples:      samples,
		Registry:     registry,
		Predictor:    h.predictor,
		Worker:       h.worker,
		TrainLog:     trainLog,
		EdgeLog:      edgeLog,
		Bus:          h.bus,
	})
	h.srv = httptest.NewServer(server.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *apiHarness) startSession(t *testing.T, fingerprint string, seed uint32) {
	t.Helper()
	key, err := h.deriver.PlayerKey(fingerprint)
	require.NoError(t, err)
	h.sessions.Start(key, seed)
}

func (h *apiHarness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (h *apiHarness) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// naiveBundle builds a model with zero weights and a strongly negative
// output bias, so every submission scores as legitimate.
func naiveBundle(t *testing.T) *ml.Bundle {
	t.Helper()
	zeros := strings.TrimSuffix(strings.Repeat("0,", 12), ",")
	doc := `{"sizes":[12,1],"weights":[[` + zeros + `]],"biases":[[-10]]}`
	net := &ml.Network{}
	require.NoError(t, json.Unmarshal([]byte(doc), net))
	stds := make([]float64, 12)
	for i := range stds {
		stds[i] = 1
	}
	return &ml.Bundle{
		Version: "v-naive",
		Net:     net,
		Norm:    ml.Normalization{Means: make([]float64, 12), Stds: stds},
	}
}

// legitScore is the verified seed-42 short game: one food, wall collision.
func legitScore(fingerprint string) scoreRequest {
	return scoreRequest{
		Score:        10,
		SpeedLevel:   1,
		Fingerprint:  fingerprint,
		GameDuration: 3,
		FoodEaten:    1,
		Seed:         42,
		Moves:        "1,5,750;0,9,1350",
		TotalFrames:  40,
	}
}

func TestGameStartReturnsSeed(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.postJSON(t, "/api/game/start", startRequest{Fingerprint: "fp-alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[startResponse](t, resp)
	assert.NotZero(t, body.Seed)

	key, err := h.deriver.PlayerKey("fp-alice")
	require.NoError(t, err)
	sess, ok := h.sessions.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, body.Seed, sess.Seed)
}

func TestScoreAcceptAndLeaderboard(t *testing.T) {
	h := newAPIHarness(t)
	h.startSession(t, "fp-alice", 42)

	resp := h.postJSON(t, "/api/score", legitScore("fp-alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[scoreResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, 10, body.BestScore)
	assert.Equal(t, 1, body.Rank)
	assert.True(t, body.IsNewBest)

	var board []store.LeaderboardEntry
	h.getJSON(t, "/api/halloffame", &board)
	require.Len(t, board, 1)
	assert.Equal(t, 10, board[0].BestScore)
}

func TestScoreStatusCodes(t *testing.T) {
	h := newAPIHarness(t)

	cases := []struct {
		name   string
		mut    func(*scoreRequest)
		status int
	}{
		{"cheat detected", func(r *scoreRequest) { r.SpeedLevel = 20; r.Score = 100; r.FoodEaten = 10; r.Moves = ""; r.TotalFrames = 500 }, http.StatusForbidden},
		{"validation failure", func(r *scoreRequest) { r.Score = -1 }, http.StatusBadRequest},
		{"score above cap", func(r *scoreRequest) { r.Score = 20000 }, http.StatusBadRequest},
		{"auth failure", func(r *scoreRequest) { r.Fingerprint = "" }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.startSession(t, "fp-mallory", 42)
			req := legitScore("fp-mallory")
			tc.mut(&req)
			resp := h.postJSON(t, "/api/score", req)
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestScoreRateLimited(t *testing.T) {
	h := newAPIHarness(t)

	for i := 0; i < 10; i++ {
		h.startSession(t, "fp-alice", 42)
		resp := h.postJSON(t, "/api/score", legitScore("fp-alice"))
		require.Equal(t, http.StatusOK, resp.StatusCode, "submission %d", i)
		resp.Body.Close()
	}

	h.startSession(t, "fp-alice", 42)
	resp := h.postJSON(t, "/api/score", legitScore("fp-alice"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp.Body.Close()
}

func TestScoreRejectsMalformedBody(t *testing.T) {
	h := newAPIHarness(t)

	for _, body := range []string{`{`, `{"score": 10, "bogus": true}`} {
		resp, err := http.Post(h.srv.URL+"/api/score", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestMLStatusReflectsActiveModel(t *testing.T) {
	h := newAPIHarness(t)

	var before mlStatus
	h.getJSON(t, "/api/ml/status", &before)
	assert.False(t, before.ModelLoaded)
	assert.False(t, before.TrainingActive)
	assert.Zero(t, before.SampleCount)

	h.predictor.Publish(&ml.Bundle{
		Version: "v20260826T000000.000",
		Metrics: ml.Metrics{F1: 0.91, Accuracy: 0.93},
	})

	var after mlStatus
	h.getJSON(t, "/api/ml/status", &after)
	assert.True(t, after.ModelLoaded)
	assert.Equal(t, "v20260826T000000.000", after.ActiveVersion)
	assert.InDelta(t, 0.91, after.F1, 1e-9)
	assert.InDelta(t, 0.93, after.Accuracy, 1e-9)
}

func TestMLVersionsListsRegistry(t *testing.T) {
	h := newAPIHarness(t)

	bundle := &ml.Bundle{
		Version:   "v20260826T101500.000",
		TrainedAt: time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC),
		Net:       ml.NewNetwork(randutil.New(1), 12, 4, 1),
		Norm:      ml.Normalization{Means: make([]float64, 12), Stds: make([]float64, 12)},
		Metrics:   ml.Metrics{F1: 0.9, Accuracy: 0.9},
	}
	require.NoError(t, h.registry.Save(bundle))
	require.NoError(t, h.registry.SetActive(bundle.Version))

	var infos []ml.VersionInfo
	h.getJSON(t, "/api/ml/versions", &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, bundle.Version, infos[0].Version)
	assert.True(t, infos[0].Active)
}

func TestEdgeCaseTailAndLimit(t *testing.T) {
	h := newAPIHarness(t)

	// Empty log serves an empty array, not null.
	var empty []json.RawMessage
	h.getJSON(t, "/api/ml/edge-cases", &empty)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	h.predictor.Publish(naiveBundle(t))

	// A naive model paired with a rules reject logs a disagreement.
	h.startSession(t, "fp-mallory", 42)
	req := legitScore("fp-mallory")
	req.SpeedLevel = 20
	req.Score = 100
	req.FoodEaten = 10
	req.Moves = ""
	req.TotalFrames = 500
	resp := h.postJSON(t, "/api/score", req)
	resp.Body.Close()

	var lines []json.RawMessage
	h.getJSON(t, "/api/ml/edge-cases?limit=5", &lines)
	assert.LessOrEqual(t, len(lines), 5)
}

func TestTrainNowQueuesFollowUp(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.postJSON(t, "/api/ml/train", struct{}{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody[trainNowResponse](t, resp)
	assert.Equal(t, train.OutcomeStarted, body.Outcome)

	// The worker loop is not running, so the request stays in flight and a
	// second one collapses into the pending slot.
	resp = h.postJSON(t, "/api/ml/train", struct{}{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body = decodeBody[trainNowResponse](t, resp)
	assert.Equal(t, train.OutcomeQueued, body.Outcome)
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)

	var body map[string]string
	h.getJSON(t, "/api/healthz", &body)
	assert.Equal(t, "ok", body["status"])
}

func TestEventStreamDeliversBusEvents(t *testing.T) {
	h := newAPIHarness(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ml/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return h.bus.Subscribers() == 1 },
		2*time.Second, 5*time.Millisecond)

	h.bus.Publish(events.Event{Type: events.TypeCheatDetected, Player: "p1", Kind: "speed_hack"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeCheatDetected, ev.Type)
	assert.Equal(t, "p1", ev.Player)
	assert.Equal(t, "speed_hack", ev.Kind)
}
