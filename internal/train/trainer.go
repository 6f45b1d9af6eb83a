package train

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/SuperSonnix71/Xnake/internal/feature"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/randutil"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

// Config holds the training pipeline parameters.
type Config struct {
	MinSamples            int     // below this, synthetic augmentation kicks in
	SyntheticPerArchetype int     // games generated per archetype when augmenting
	Epochs                int     //
	BatchSize             int     //
	LearningRate          float64 //
	Dropout               float64 //
	ValidationFraction    float64 // held-out share of the shuffled set
}

// DefaultConfig returns the production training parameters.
func DefaultConfig() Config {
	return Config{
		MinSamples:            100,
		SyntheticPerArchetype: 40,
		Epochs:                50,
		BatchSize:             32,
		LearningRate:          0.001,
		Dropout:               0.3,
		ValidationFraction:    0.2,
	}
}

// Progress reports per-epoch training state.
type Progress struct {
	Epoch  int
	Epochs int
	Loss   float64
}

// Result is a completed training run, before any activation decision.
type Result struct {
	Bundle           *ml.Bundle
	RealSamples      int
	SyntheticSamples int
	Dataset          []store.Sample // exactly the set the model was trained on
}

// Trainer turns a sample snapshot into a candidate model bundle.
type Trainer struct {
	logger *log.Logger
	cfg    Config
}

// NewTrainer returns a trainer with the given parameters.
func NewTrainer(logger *log.Logger, cfg Config) *Trainer {
	return &Trainer{logger: logger.WithPrefix("train"), cfg: cfg}
}

// Runner is the training dependency the worker consumes.
type Runner interface {
	Train(ctx context.Context, samples []store.Sample, seed int64, now time.Time, progress func(Progress)) (*Result, error)
}

// Train runs the full pipeline: augment, normalize, shuffle, split, fit,
// evaluate. The version name is minted from now; the run is deterministic
// for a given seed and sample set.
func (t *Trainer) Train(ctx context.Context, samples []store.Sample, seed int64, now time.Time, progress func(Progress)) (*Result, error) {
	version := ml.NewVersionName(now)
	usable := samples[:0:0]
	for _, s := range samples {
		if len(s.Features) == feature.Count {
			usable = append(usable, s)
		}
	}
	real := len(usable)

	rng := randutil.New(seed)
	synthetic := 0
	if real < t.cfg.MinSamples {
		batch := NewGenerator(seed).Batch(t.cfg.SyntheticPerArchetype, now)
		usable = append(usable, batch...)
		synthetic = len(batch)
		t.logger.Info("augmenting with synthetic data",
			"real", real, "synthetic", synthetic, "min_samples", t.cfg.MinSamples)
	}
	if len(usable) < 4 {
		return nil, fmt.Errorf("train: %d usable samples is not enough to split", len(usable))
	}

	x := make([][]float64, len(usable))
	y := make([]float64, len(usable))
	for i, s := range usable {
		x[i] = s.Features
		y[i] = float64(s.Label)
	}

	norm := ml.NormalizationFor(x)
	normalized := make([][]float64, len(x))
	for i := range x {
		normalized[i] = norm.Apply(x[i])
	}

	order := rng.Perm(len(normalized))
	shuffledX := make([][]float64, len(order))
	shuffledY := make([]float64, len(order))
	for i, idx := range order {
		shuffledX[i] = normalized[idx]
		shuffledY[i] = y[idx]
	}

	split := int(float64(len(order)) * (1 - t.cfg.ValidationFraction))
	if split >= len(order) {
		split = len(order) - 1
	}
	if split < 1 {
		split = 1
	}
	trainX, trainY := shuffledX[:split], shuffledY[:split]
	valX, valY := shuffledX[split:], shuffledY[split:]

	net := ml.NewNetwork(rng, ml.DefaultSizes...)
	fitCfg := ml.FitConfig{
		Epochs:       t.cfg.Epochs,
		BatchSize:    t.cfg.BatchSize,
		LearningRate: t.cfg.LearningRate,
		Dropout:      t.cfg.Dropout,
	}
	err := net.Fit(ctx, rng, trainX, trainY, fitCfg, func(epoch int, loss float64) {
		if progress != nil {
			progress(Progress{Epoch: epoch, Epochs: t.cfg.Epochs, Loss: loss})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("train: fit: %w", err)
	}

	metrics := evaluate(net, valX, valY)
	metrics.TrainSamples = len(trainX)
	metrics.ValidationSamples = len(valX)
	metrics.Epochs = t.cfg.Epochs

	t.logger.Info("training run evaluated",
		"version", version,
		"accuracy", fmt.Sprintf("%.3f", metrics.Accuracy),
		"f1", fmt.Sprintf("%.3f", metrics.F1),
		"train", len(trainX), "validation", len(valX))

	return &Result{
		Bundle: &ml.Bundle{
			Version:   version,
			TrainedAt: now,
			Net:       net,
			Norm:      norm,
			Metrics:   metrics,
		},
		RealSamples:      real,
		SyntheticSamples: synthetic,
		Dataset:          usable,
	}, nil
}

// evaluate computes classification metrics at the 0.5 decision point.
// Degenerate denominators resolve to 0 rather than NaN.
func evaluate(net *ml.Network, x [][]float64, y []float64) ml.Metrics {
	var tp, tn, fp, fn float64
	for i := range x {
		predicted := net.Predict(x[i]) > 0.5
		actual := y[i] == 1
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		default:
			tn++
		}
	}

	var m ml.Metrics
	if total := tp + tn + fp + fn; total > 0 {
		m.Accuracy = (tp + tn) / total
	}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
