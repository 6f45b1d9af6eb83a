// Package ml implements the shadow cheat detector: a small feedforward
// network over the 12 behavioral features, the normalization statistics that
// travel with it, the on-disk model registry, and the predictor that serves
// whichever model version is currently active.
//
// The predictor operates in shadow mode. Its probability is logged and used
// as training signal; it never contributes to the accept/reject decision.
package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	rand "math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// DefaultSizes is the layer layout of the active dense variant:
// 12 inputs, two hidden ReLU layers, one sigmoid output.
var DefaultSizes = []int{12, 32, 16, 1}

// Network is a fully connected feedforward network with ReLU hidden layers
// and a sigmoid output. It is safe for concurrent reads once training has
// finished; Fit must not run concurrently with Predict.
type Network struct {
	sizes []int
	w     []*mat.Dense    // w[l] is sizes[l+1] x sizes[l]
	b     []*mat.VecDense // b[l] has sizes[l+1] elements
}

// NewNetwork returns a network with Xavier-initialized weights drawn from
// rng and zero biases.
func NewNetwork(rng *rand.Rand, sizes ...int) *Network {
	if len(sizes) < 2 {
		panic("ml: network needs at least input and output layers")
	}
	n := &Network{sizes: append([]int(nil), sizes...)}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		scale := math.Sqrt(2.0 / float64(in))
		w := mat.NewDense(out, in, nil)
		data := w.RawMatrix().Data
		for i := range data {
			data[i] = rng.NormFloat64() * scale
		}
		n.w = append(n.w, w)
		n.b = append(n.b, mat.NewVecDense(out, nil))
	}
	return n
}

// InputSize returns the expected feature vector length.
func (n *Network) InputSize() int { return n.sizes[0] }

// Predict runs a forward pass and returns the sigmoid output in [0,1].
func (n *Network) Predict(x []float64) float64 {
	if len(x) != n.sizes[0] {
		return 0.5
	}
	a := mat.NewVecDense(len(x), append([]float64(nil), x...))
	for l := range n.w {
		z := mat.NewVecDense(n.sizes[l+1], nil)
		z.MulVec(n.w[l], a)
		z.AddVec(z, n.b[l])
		if l < len(n.w)-1 {
			reluInPlace(z)
		} else {
			sigmoidInPlace(z)
		}
		a = z
	}
	return a.AtVec(0)
}

// FitConfig controls a training run.
type FitConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Dropout      float64 // drop probability on hidden activations
}

// DefaultFitConfig matches the production training pipeline: 50 epochs,
// batch 32, Adam at 0.001, dropout 0.3.
func DefaultFitConfig() FitConfig {
	return FitConfig{Epochs: 50, BatchSize: 32, LearningRate: 0.001, Dropout: 0.3}
}

// Adam hyperparameters.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// adamState holds first and second moment estimates per layer.
type adamState struct {
	mw, vw []*mat.Dense
	mb, vb []*mat.VecDense
	step   int
}

func newAdamState(n *Network) *adamState {
	s := &adamState{}
	for l := range n.w {
		r, c := n.w[l].Dims()
		s.mw = append(s.mw, mat.NewDense(r, c, nil))
		s.vw = append(s.vw, mat.NewDense(r, c, nil))
		s.mb = append(s.mb, mat.NewVecDense(r, nil))
		s.vb = append(s.vb, mat.NewVecDense(r, nil))
	}
	return s
}

// Fit trains the network with minibatch Adam on binary cross-entropy.
// Labels must be 0 or 1. The run is deterministic for a given rng. The
// optional progress callback receives the epoch number (1-based) and the
// mean training loss of that epoch. Cancellation is honored between epochs,
// never mid-epoch.
func (n *Network) Fit(ctx context.Context, rng *rand.Rand, x [][]float64, y []float64, cfg FitConfig, progress func(epoch int, loss float64)) error {
	if len(x) == 0 {
		return fmt.Errorf("ml: no training samples")
	}
	if len(x) != len(y) {
		return fmt.Errorf("ml: %d inputs but %d labels", len(x), len(y))
	}
	for i := range x {
		if len(x[i]) != n.sizes[0] {
			return fmt.Errorf("ml: sample %d has %d features, want %d", i, len(x[i]), n.sizes[0])
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}

	adam := newAdamState(n)
	scratch := newFitScratch(n)

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		order := rng.Perm(len(x))
		var epochLoss float64

		for start := 0; start < len(order); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			scratch.zeroGrads()

			for _, idx := range order[start:end] {
				epochLoss += n.backprop(rng, scratch, x[idx], y[idx], cfg.Dropout)
			}
			n.applyAdam(adam, scratch, cfg.LearningRate, end-start)
		}

		if progress != nil {
			progress(epoch, epochLoss/float64(len(order)))
		}
	}
	return nil
}

// fitScratch holds per-batch gradient accumulators and per-sample forward
// state so training allocates once.
type fitScratch struct {
	gw    []*mat.Dense
	gb    []*mat.VecDense
	acts  []*mat.VecDense // a[0]=input copy, a[l+1]=post-activation
	zs    []*mat.VecDense // pre-activations
	masks [][]float64     // dropout keep masks for hidden layers
}

func newFitScratch(n *Network) *fitScratch {
	s := &fitScratch{}
	s.acts = append(s.acts, mat.NewVecDense(n.sizes[0], nil))
	for l := range n.w {
		r, c := n.w[l].Dims()
		s.gw = append(s.gw, mat.NewDense(r, c, nil))
		s.gb = append(s.gb, mat.NewVecDense(r, nil))
		s.acts = append(s.acts, mat.NewVecDense(r, nil))
		s.zs = append(s.zs, mat.NewVecDense(r, nil))
		s.masks = append(s.masks, make([]float64, r))
	}
	return s
}

func (s *fitScratch) zeroGrads() {
	for l := range s.gw {
		s.gw[l].Zero()
		s.gb[l].Zero()
	}
}

// backprop runs one forward/backward pass, accumulates gradients into the
// scratch, and returns the sample's cross-entropy loss.
func (n *Network) backprop(rng *rand.Rand, s *fitScratch, x []float64, label, dropout float64) float64 {
	copy(s.acts[0].RawVector().Data, x)

	last := len(n.w) - 1
	for l := range n.w {
		z := s.zs[l]
		z.MulVec(n.w[l], s.acts[l])
		z.AddVec(z, n.b[l])
		a := s.acts[l+1]
		a.CopyVec(z)
		if l < last {
			reluInPlace(a)
			// Inverted dropout: surviving units are scaled up so
			// inference needs no correction.
			keep := 1 - dropout
			mask := s.masks[l]
			data := a.RawVector().Data
			for i := range data {
				if dropout > 0 && rng.Float64() < dropout {
					mask[i] = 0
					data[i] = 0
				} else if dropout > 0 {
					mask[i] = 1 / keep
					data[i] *= mask[i]
				} else {
					mask[i] = 1
				}
			}
		} else {
			sigmoidInPlace(a)
		}
	}

	out := s.acts[last+1].AtVec(0)
	loss := bceLoss(out, label)

	// Sigmoid + cross-entropy collapses the output delta to (out - label).
	delta := mat.NewVecDense(1, []float64{out - label})
	for l := last; l >= 0; l-- {
		s.gw[l].RankOne(s.gw[l], 1, delta, s.acts[l])
		s.gb[l].AddVec(s.gb[l], delta)
		if l == 0 {
			break
		}
		prev := mat.NewVecDense(n.sizes[l], nil)
		prev.MulVec(n.w[l].T(), delta)
		pd := prev.RawVector().Data
		zd := s.zs[l-1].RawVector().Data
		mask := s.masks[l-1]
		for i := range pd {
			if zd[i] <= 0 {
				pd[i] = 0
			} else {
				pd[i] *= mask[i]
			}
		}
		delta = prev
	}
	return loss
}

// applyAdam performs one Adam update from the averaged batch gradients.
func (n *Network) applyAdam(adam *adamState, s *fitScratch, lr float64, batch int) {
	adam.step++
	c1 := 1 - math.Pow(adamBeta1, float64(adam.step))
	c2 := 1 - math.Pow(adamBeta2, float64(adam.step))
	inv := 1 / float64(batch)

	for l := range n.w {
		updateAdam(n.w[l].RawMatrix().Data, s.gw[l].RawMatrix().Data,
			adam.mw[l].RawMatrix().Data, adam.vw[l].RawMatrix().Data, lr, inv, c1, c2)
		updateAdam(n.b[l].RawVector().Data, s.gb[l].RawVector().Data,
			adam.mb[l].RawVector().Data, adam.vb[l].RawVector().Data, lr, inv, c1, c2)
	}
}

func updateAdam(params, grads, m, v []float64, lr, inv, c1, c2 float64) {
	for i := range params {
		g := grads[i] * inv
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*g
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*g*g
		params[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEps)
	}
}

func bceLoss(p, label float64) float64 {
	const eps = 1e-12
	if p < eps {
		p = eps
	} else if p > 1-eps {
		p = 1 - eps
	}
	return -(label*math.Log(p) + (1-label)*math.Log(1-p))
}

func reluInPlace(v *mat.VecDense) {
	data := v.RawVector().Data
	for i := range data {
		if data[i] < 0 {
			data[i] = 0
		}
	}
}

func sigmoidInPlace(v *mat.VecDense) {
	data := v.RawVector().Data
	for i := range data {
		data[i] = 1 / (1 + math.Exp(-data[i]))
	}
}

// networkJSON is the flattened serialization form: one row-major weight
// slice and one bias slice per layer.
type networkJSON struct {
	Sizes   []int       `json:"sizes"`
	Weights [][]float64 `json:"weights"`
	Biases  [][]float64 `json:"biases"`
}

// MarshalJSON flattens the network for the model registry.
func (n *Network) MarshalJSON() ([]byte, error) {
	doc := networkJSON{Sizes: n.sizes}
	for l := range n.w {
		doc.Weights = append(doc.Weights, append([]float64(nil), n.w[l].RawMatrix().Data...))
		doc.Biases = append(doc.Biases, append([]float64(nil), n.b[l].RawVector().Data...))
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a network saved by MarshalJSON.
func (n *Network) UnmarshalJSON(data []byte) error {
	var doc networkJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Sizes) < 2 {
		return fmt.Errorf("ml: model has %d layers", len(doc.Sizes))
	}
	if len(doc.Weights) != len(doc.Sizes)-1 || len(doc.Biases) != len(doc.Sizes)-1 {
		return fmt.Errorf("ml: layer count mismatch in model document")
	}
	restored := &Network{sizes: doc.Sizes}
	for l := 0; l < len(doc.Sizes)-1; l++ {
		in, out := doc.Sizes[l], doc.Sizes[l+1]
		if len(doc.Weights[l]) != in*out || len(doc.Biases[l]) != out {
			return fmt.Errorf("ml: layer %d dimensions do not match weights", l)
		}
		restored.w = append(restored.w, mat.NewDense(out, in, doc.Weights[l]))
		restored.b = append(restored.b, mat.NewVecDense(out, doc.Biases[l]))
	}
	*n = *restored
	return nil
}
