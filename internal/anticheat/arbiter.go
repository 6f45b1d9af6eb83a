// Package anticheat is the submission pipeline: rate limit, validation,
// session check, rule chain, replay, feature extraction, shadow ML scoring,
// edge-case arbitration, and persistence. The accept/reject decision follows
// the rules alone; the ML probability only drives edge-case logging and
// training signal.
package anticheat

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/SuperSonnix71/Xnake/internal/detect"
	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/recordid"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

// EdgeType classifies a disagreement between the rule chain and the model.
type EdgeType string

const (
	EdgeRulesPositiveMLNegative  EdgeType = "rules_positive_ml_negative"
	EdgeMLUncertainRulesPositive EdgeType = "ml_uncertain_rules_positive"
	EdgeMLUncertainRulesNegative EdgeType = "ml_uncertain_rules_negative"
	EdgeRulesNegativeMLPositive  EdgeType = "rules_negative_ml_positive"
)

// Review reports whether the edge type warrants a human-review flag: the
// model suspects a cheat the rules let through.
func (e EdgeType) Review() bool {
	return e == EdgeRulesNegativeMLPositive || e == EdgeMLUncertainRulesNegative
}

// Classify maps a rule verdict and an informed prediction onto the edge
// taxonomy. The second return is false when rules and model agree.
func Classify(rulesCheat bool, probability float64) (EdgeType, bool) {
	uncertain := probability >= ml.LowThreshold && probability <= ml.HighThreshold
	switch {
	case rulesCheat && probability < ml.LowThreshold:
		return EdgeRulesPositiveMLNegative, true
	case rulesCheat && uncertain:
		return EdgeMLUncertainRulesPositive, true
	case !rulesCheat && uncertain:
		return EdgeMLUncertainRulesNegative, true
	case !rulesCheat && probability > ml.HighThreshold:
		return EdgeRulesNegativeMLPositive, true
	}
	return "", false
}

// EdgeRecord is one line of the append-only edge-case log. It carries the
// full feature vector so the training worker can learn from the
// disagreement without re-deriving it.
type EdgeRecord struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	Player       string    `json:"player"`
	Score        int       `json:"score"`
	EdgeType     EdgeType  `json:"edge_type"`
	RulesCheat   bool      `json:"rules_cheat"`
	CheatKind    string    `json:"cheat_kind,omitempty"`
	Probability  float64   `json:"probability"`
	ModelVersion string    `json:"model_version"`
	Features     []float64 `json:"features"`
	Review       bool      `json:"review"`
}

// Arbiter combines the rule verdict with the shadow prediction, appends
// edge cases, and raises review flags. It never alters the decision.
type Arbiter struct {
	logger  *log.Logger
	clock   quartz.Clock
	edgeLog *store.Appender
	bus     *events.Bus
	ids     *recordid.Generator
}

// NewArbiter wires the arbiter against the edge-case log and event bus.
func NewArbiter(logger *log.Logger, clock quartz.Clock, edgeLog *store.Appender, bus *events.Bus) *Arbiter {
	return &Arbiter{
		logger:  logger.WithPrefix("arbiter"),
		clock:   clock,
		edgeLog: edgeLog,
		bus:     bus,
		ids:     recordid.New("edge"),
	}
}

// Arbitrate records the edge case for one submission, if there is one.
// Abstained predictions produce no edge case: with no model loaded every
// submission would land in the uncertain band and flood the log.
func (a *Arbiter) Arbitrate(sub detect.Submission, verdict detect.Verdict, pred ml.Prediction, features []float64) (EdgeType, bool) {
	if !pred.Informed {
		return "", false
	}
	edge, ok := Classify(verdict.Cheat, pred.Probability)
	if !ok {
		return "", false
	}

	record := EdgeRecord{
		ID:           a.ids.ID(),
		Time:         a.clock.Now(),
		Player:       sub.PlayerKey,
		Score:        sub.Score,
		EdgeType:     edge,
		RulesCheat:   verdict.Cheat,
		CheatKind:    string(verdict.Kind),
		Probability:  pred.Probability,
		ModelVersion: pred.Version,
		Features:     features,
		Review:       edge.Review(),
	}
	if err := a.edgeLog.Append(record); err != nil {
		a.logger.Error("edge-case append failed", "err", err)
	}
	if record.Review {
		a.logger.Warn("submission flagged for review",
			"player", sub.PlayerKey, "score", sub.Score,
			"edge_type", edge, "probability", pred.Probability)
	}
	a.bus.Publish(events.Event{
		Type:        events.TypeEdgeCase,
		Player:      sub.PlayerKey,
		Score:       sub.Score,
		EdgeType:    string(edge),
		Probability: pred.Probability,
		Version:     pred.Version,
	})
	return edge, true
}

// EdgeCount exposes the total logged edge cases to the scheduler.
func (a *Arbiter) EdgeCount() int64 {
	return a.edgeLog.Count()
}
