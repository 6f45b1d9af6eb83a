package ml

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"gonum.org/v1/gonum/stat"
)

// Decision thresholds on the cheat probability. Between Low and High the
// model is considered uncertain.
const (
	HighThreshold = 0.7
	LowThreshold  = 0.3
)

// MinPredictScore is the score below which the predictor abstains; tiny
// games carry too little behavioral signal to be worth scoring.
const MinPredictScore = 50

// Uninformative is the probability reported when no model is available or
// the predictor abstains.
const Uninformative = 0.5

// Normalization holds the per-feature z-score statistics computed from the
// training set. They are stored alongside the model and must be applied to
// every vector the model sees.
type Normalization struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

// NormalizationFor computes per-feature population statistics over the
// training inputs. Zero-variance features get a std of 1 so they normalize
// to 0 instead of exploding.
func NormalizationFor(samples [][]float64) Normalization {
	if len(samples) == 0 {
		return Normalization{}
	}
	width := len(samples[0])
	norm := Normalization{
		Means: make([]float64, width),
		Stds:  make([]float64, width),
	}
	col := make([]float64, len(samples))
	for f := 0; f < width; f++ {
		for i := range samples {
			col[i] = samples[i][f]
		}
		m, sd := stat.PopMeanStdDev(col, nil)
		if sd < 1e-9 || math.IsNaN(sd) {
			sd = 1
		}
		norm.Means[f] = m
		norm.Stds[f] = sd
	}
	return norm
}

// Apply z-scores a feature vector. Vectors of unexpected width are returned
// unchanged.
func (n Normalization) Apply(v []float64) []float64 {
	if len(v) != len(n.Means) {
		return v
	}
	out := make([]float64, len(v))
	for i := range v {
		out[i] = (v[i] - n.Means[i]) / n.Stds[i]
	}
	return out
}

// Metrics is the evaluation result stored with every model version.
type Metrics struct {
	Accuracy          float64 `json:"accuracy"`
	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1"`
	TrainSamples      int     `json:"train_samples"`
	ValidationSamples int     `json:"validation_samples"`
	Epochs            int     `json:"epochs"`
}

// Bundle is one immutable model version: network, normalization, and
// metrics. Bundles are published whole via atomic swap so no reader ever
// observes a network paired with another version's statistics.
type Bundle struct {
	Version   string
	TrainedAt time.Time
	Net       *Network
	Norm      Normalization
	Metrics   Metrics
}

// Prediction is the predictor's output for one submission.
type Prediction struct {
	Probability float64
	Informed    bool   // false when the predictor abstained
	Version     string // model version that produced the probability
}

// Uncertain reports whether the probability lies in the uncertain band.
func (p Prediction) Uncertain() bool {
	return p.Probability >= LowThreshold && p.Probability <= HighThreshold
}

// Predictor serves the active model bundle. The training worker is the only
// writer; submission handling reads concurrently.
type Predictor struct {
	logger   *log.Logger
	minScore int
	bundle   atomic.Pointer[Bundle]
}

// NewPredictor returns a predictor with no model loaded.
func NewPredictor(logger *log.Logger) *Predictor {
	return &Predictor{logger: logger.WithPrefix("predict"), minScore: MinPredictScore}
}

// Publish atomically swaps the active bundle.
func (p *Predictor) Publish(b *Bundle) {
	p.bundle.Store(b)
	if b != nil {
		p.logger.Info("model activated", "version", b.Version, "f1", b.Metrics.F1, "accuracy", b.Metrics.Accuracy)
	}
}

// Active returns the current bundle, or nil when no model has been
// activated.
func (p *Predictor) Active() *Bundle {
	return p.bundle.Load()
}

// Predict returns the cheat probability for an already-extracted feature
// vector. Without a model, or below the score gate, it abstains with the
// uninformative probability.
func (p *Predictor) Predict(features []float64, score int) Prediction {
	b := p.bundle.Load()
	if b == nil || score < p.minScore {
		return Prediction{Probability: Uninformative}
	}
	prob := b.Net.Predict(b.Norm.Apply(features))
	if math.IsNaN(prob) || math.IsInf(prob, 0) {
		return Prediction{Probability: Uninformative}
	}
	if prob < 0 {
		prob = 0
	} else if prob > 1 {
		prob = 1
	}
	return Prediction{Probability: prob, Informed: true, Version: b.Version}
}
