package anticheat

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"

	"github.com/SuperSonnix71/Xnake/internal/codec"
	"github.com/SuperSonnix71/Xnake/internal/detect"
	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/feature"
	"github.com/SuperSonnix71/Xnake/internal/identity"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/randutil"
	"github.com/SuperSonnix71/Xnake/internal/ratelimit"
	"github.com/SuperSonnix71/Xnake/internal/recordid"
	"github.com/SuperSonnix71/Xnake/internal/session"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// maxTotalFrames caps the claimed frame count a submission may carry.
const maxTotalFrames = 10000

// maxScore caps the claimed score. Anything above is garbage input, not a
// cheat worth recording.
const maxScore = 10000

// defaultInferenceSlots bounds concurrent model inference so a burst of
// submissions cannot stall unrelated request handling.
const defaultInferenceSlots = 4

// Retrainer receives training triggers from cheat detections.
type Retrainer interface {
	Request(by train.Trigger) train.Outcome
}

// SubmitRequest is a raw score submission as decoded at the HTTP boundary,
// before any validation.
type SubmitRequest struct {
	Fingerprint  string
	Score        int
	SpeedLevel   int
	GameDuration int // seconds
	FoodEaten    int
	Seed         uint32
	TotalFrames  int
	Moves        string // compact move log, codec format
	Heartbeats   string // compact heartbeat log, codec format
}

// StartResult is the server half of a new game session.
type StartResult struct {
	Seed uint32
}

// Accepted is the response payload for a submission that survived the
// pipeline.
type Accepted struct {
	BestScore int
	Rank      int
	IsNewBest bool
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Clock       quartz.Clock
	Deriver     *identity.Deriver
	Limiter     *ratelimit.Limiter
	Sessions    *session.Registry
	Chain       *detect.Chain
	Predictor   *ml.Predictor
	Arbiter     *Arbiter
	Leaderboard *store.Leaderboard
	Cheaters    *store.Cheaters
	Samples     *store.Samples
	Retrainer   Retrainer
	Bus         *events.Bus

	// InferenceSlots bounds concurrent model inference; 0 means the
	// default.
	InferenceSlots int64
}

// Orchestrator runs the submission pipeline. It is safe for concurrent use;
// per-player serialization comes from the rate limiter and the session
// registry's last-write-wins semantics.
type Orchestrator struct {
	logger   *log.Logger
	ids      *recordid.Generator
	inferSem *semaphore.Weighted
	Deps
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(logger *log.Logger, deps Deps) *Orchestrator {
	slots := deps.InferenceSlots
	if slots <= 0 {
		slots = defaultInferenceSlots
	}
	return &Orchestrator{
		logger:   logger.WithPrefix("anticheat"),
		ids:      recordid.New("sub"),
		inferSem: semaphore.NewWeighted(slots),
		Deps:     deps,
	}
}

// StartGame registers a fresh session for the player and returns the seed
// the client must use for food placement. Starting again before submitting
// replaces the previous session.
func (o *Orchestrator) StartGame(fingerprint string) (StartResult, error) {
	key, err := o.Deriver.PlayerKey(fingerprint)
	if err != nil {
		return StartResult{}, reject(ErrAuthFailure, "invalid fingerprint")
	}
	seed, err := randutil.SessionSeed()
	if err != nil {
		o.logger.Error("session seed generation failed", "err", err)
		return StartResult{}, reject(ErrInternal, "could not start game")
	}
	o.Sessions.Start(key, seed)
	o.logger.Debug("game started", "player", key, "seed", seed)
	return StartResult{Seed: seed}, nil
}

// Submit runs one score submission through the full pipeline. The returned
// error, when non-nil, is always an *Error carrying the kind the transport
// layer maps to a status code.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Accepted, error) {
	key, err := o.Deriver.PlayerKey(req.Fingerprint)
	if err != nil {
		return Accepted{}, reject(ErrAuthFailure, "invalid fingerprint")
	}

	if err := o.Limiter.Allow(key); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			return Accepted{}, reject(ErrRateLimited, "too many submissions")
		}
		o.logger.Error("rate limiter failed", "player", key, "err", err)
		return Accepted{}, reject(ErrInternal, "submission not processed")
	}

	sub, verr := o.validate(key, req)
	if verr != nil {
		return Accepted{}, verr
	}

	sess, present := o.Sessions.Lookup(key)
	sessInfo := detect.SessionInfo{Present: present, Seed: sess.Seed}

	verdict := o.Chain.Evaluate(sub, sessInfo)

	features := feature.Extract(feature.Input{
		Score:        sub.Score,
		FoodEaten:    sub.FoodEaten,
		GameDuration: sub.GameDuration,
		Moves:        sub.Moves,
		Heartbeats:   sub.Heartbeats,
	})
	pred := o.predict(ctx, features, sub.Score)
	o.Arbiter.Arbitrate(sub, verdict, pred, features)

	if verdict.Cheat {
		o.recordCheat(sub, verdict, pred, features)
		return Accepted{}, rejectCheat(verdict)
	}
	return o.accept(sub, pred, features), nil
}

// validate applies field-range and payload checks. Failures here are player
// mistakes or garbage, not cheats; nothing is recorded.
func (o *Orchestrator) validate(key string, req SubmitRequest) (detect.Submission, *Error) {
	switch {
	case req.Score < 0 || req.Score > maxScore:
		return detect.Submission{}, reject(ErrValidation, fmt.Sprintf("score out of range [0,%d]", maxScore))
	case req.FoodEaten < 0:
		return detect.Submission{}, reject(ErrValidation, "negative food count")
	case req.GameDuration < 0:
		return detect.Submission{}, reject(ErrValidation, "negative game duration")
	case req.SpeedLevel < 1:
		return detect.Submission{}, reject(ErrValidation, "speed level must be positive")
	case req.TotalFrames < 0 || req.TotalFrames > maxTotalFrames:
		return detect.Submission{}, reject(ErrValidation, fmt.Sprintf("total frames out of range [0,%d]", maxTotalFrames))
	}

	moves, err := codec.ParseMoves(req.Moves)
	if err != nil {
		return detect.Submission{}, reject(ErrValidation, "unparseable moves payload")
	}
	beats, err := codec.ParseHeartbeats(req.Heartbeats)
	if err != nil {
		return detect.Submission{}, reject(ErrValidation, "unparseable heartbeats payload")
	}

	return detect.Submission{
		PlayerKey:    key,
		Score:        req.Score,
		SpeedLevel:   req.SpeedLevel,
		FoodEaten:    req.FoodEaten,
		GameDuration: req.GameDuration,
		Seed:         req.Seed,
		TotalFrames:  req.TotalFrames,
		Moves:        moves,
		Heartbeats:   beats,
	}, nil
}

// predict scores the submission under the inference semaphore. Any failure
// to predict degrades to an abstention; the model never blocks or rejects.
func (o *Orchestrator) predict(ctx context.Context, features []float64, score int) ml.Prediction {
	if err := o.inferSem.Acquire(ctx, 1); err != nil {
		return ml.Prediction{Probability: ml.Uninformative}
	}
	defer o.inferSem.Release(1)
	return o.Predictor.Predict(features, score)
}

func (o *Orchestrator) recordCheat(sub detect.Submission, verdict detect.Verdict, pred ml.Prediction, features []float64) {
	entry := o.Cheaters.Record(sub.PlayerKey, string(verdict.Kind), verdict.Reason, sub.Score)
	o.logger.Info("cheat detected",
		"player", sub.PlayerKey, "kind", verdict.Kind, "rule", verdict.Rule,
		"reason", verdict.Reason, "score", sub.Score,
		"detections", entry.Detections, "probability", pred.Probability)
	if verdict.Replay != nil && !verdict.Replay.OK {
		// The frame trace stays server-side for operator review.
		o.logger.Debug("replay divergence",
			"player", sub.PlayerKey, "reason", verdict.Replay.Reason,
			"replayed_score", verdict.Replay.Score, "claimed_score", sub.Score,
			"food_events", len(verdict.Replay.Trace.Food))
	}

	o.appendSample(store.Sample{
		ID:        o.ids.ID(),
		Time:      o.Clock.Now(),
		PlayerKey: sub.PlayerKey,
		Label:     store.LabelCheat,
		Kind:      string(verdict.Kind),
		Score:     sub.Score,
		Features:  features,
	})
	outcome := o.Retrainer.Request(train.TriggerCheat)
	o.logger.Debug("retraining requested", "trigger", train.TriggerCheat, "outcome", outcome)

	o.Bus.Publish(events.Event{
		Type:        events.TypeCheatDetected,
		Player:      sub.PlayerKey,
		Score:       sub.Score,
		Kind:        string(verdict.Kind),
		Reason:      verdict.Reason,
		Probability: pred.Probability,
	})
}

func (o *Orchestrator) accept(sub detect.Submission, pred ml.Prediction, features []float64) Accepted {
	result := o.Leaderboard.Submit(sub.PlayerKey, sub.Score, sub.FoodEaten)
	o.Sessions.End(sub.PlayerKey)

	o.appendSample(store.Sample{
		ID:        o.ids.ID(),
		Time:      o.Clock.Now(),
		PlayerKey: sub.PlayerKey,
		Label:     store.LabelLegit,
		Score:     sub.Score,
		Features:  features,
	})
	o.logger.Info("score accepted",
		"player", sub.PlayerKey, "score", sub.Score, "food", sub.FoodEaten,
		"rank", result.Rank, "new_best", result.IsNewBest, "probability", pred.Probability)

	o.Bus.Publish(events.Event{
		Type:        events.TypeScoreAccepted,
		Player:      sub.PlayerKey,
		Score:       sub.Score,
		Probability: pred.Probability,
	})
	return Accepted{
		BestScore: result.BestScore,
		Rank:      result.Rank,
		IsNewBest: result.IsNewBest,
	}
}

// appendSample feeds the training store. Failures are logged and swallowed;
// losing a training sample must never fail a submission.
func (o *Orchestrator) appendSample(s store.Sample) {
	if err := o.Samples.Append(s); err != nil {
		o.logger.Error("training sample append failed", "err", err)
	}
}
