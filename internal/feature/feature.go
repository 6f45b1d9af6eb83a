// Package feature turns a submission into the fixed 12-element behavioral
// vector the shadow ML detector consumes. Feature order is part of the model
// contract: every stored model, its normalization statistics, and every
// persisted edge case index into this order, so reordering or renaming a
// feature invalidates all of them.
package feature

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/SuperSonnix71/Xnake/internal/snake"
)

// Count is the length of the feature vector.
const Count = 12

// Names lists the features in vector order.
var Names = [Count]string{
	"avg_time_between_moves",
	"move_time_variance",
	"moves_per_food",
	"direction_entropy",
	"heartbeat_consistency",
	"score_rate",
	"frame_timing_deviation",
	"pause_gap_count",
	"speed_progression",
	"movement_burst_rate",
	"performance_time_drift",
	"avg_speed_per_food",
}

// Thresholds the individual features are computed against.
const (
	// heartbeatNominalMS is the interval heartbeats aim for; deviation from
	// it feeds the consistency feature.
	heartbeatNominalMS = 1000
	// heartbeatDevScale normalizes the deviation stdev into [0,1].
	heartbeatDevScale = 500
	// heartbeatPauseGapMS is the heartbeat gap counted as a pause. It is
	// deliberately tighter than the rule detector's gap so the ML branch
	// sees stalls the rules tolerate.
	heartbeatPauseGapMS = 2000
	// burstThresholdMS is the inter-move delta counted as a burst.
	burstThresholdMS = 100
	// minDuration guards the score rate against zero-duration claims.
	minDuration = 1e-6
)

// Input is everything the extractor reads from a submission.
type Input struct {
	Score        int
	FoodEaten    int
	GameDuration int // seconds
	Moves        []snake.Move
	Heartbeats   []snake.Heartbeat
}

// Extract computes the feature vector. Missing or degenerate inputs resolve
// to 0; the result never contains NaN or Inf.
func Extract(in Input) []float64 {
	v := make([]float64, Count)

	moveDeltas := moveTimeDeltas(in.Moves)
	v[0] = mean(moveDeltas)
	v[1] = popVariance(moveDeltas)

	food := in.FoodEaten
	if food < 1 {
		food = 1
	}
	v[2] = float64(len(in.Moves)) / float64(food)
	v[3] = directionEntropy(in.Moves)
	v[4] = heartbeatConsistency(in.Heartbeats)

	duration := float64(in.GameDuration)
	if duration < minDuration {
		duration = minDuration
	}
	v[5] = float64(in.Score) / duration

	v[6] = frameTimingDeviation(in.Moves)
	v[7] = float64(heartbeatPauseGaps(in.Heartbeats))
	v[8] = speedProgression(in.Heartbeats)
	v[9] = burstRate(moveDeltas)
	v[10] = performanceDrift(in.Heartbeats)
	v[11] = avgSpeed(in.Heartbeats) / float64(food)

	for i := range v {
		v[i] = sanitize(v[i])
	}
	return v
}

// SeriesLen and SeriesWidth are the dimensions of the time-series tensor
// consumed by the hybrid model variant.
const (
	SeriesLen   = 50
	SeriesWidth = 3
)

// Series maps the first SeriesLen moves to (direction/3, Δtime/1000,
// frame/1000) rows, right-padded with zeros.
func Series(moves []snake.Move) [][SeriesWidth]float64 {
	out := make([][SeriesWidth]float64, SeriesLen)
	n := len(moves)
	if n > SeriesLen {
		n = SeriesLen
	}
	for i := 0; i < n; i++ {
		m := moves[i]
		var dt int64
		if i > 0 {
			dt = m.Time - moves[i-1].Time
		}
		out[i] = [SeriesWidth]float64{
			sanitize(float64(m.Direction) / 3),
			sanitize(float64(dt) / 1000),
			sanitize(float64(m.Frame) / 1000),
		}
	}
	return out
}

func moveTimeDeltas(moves []snake.Move) []float64 {
	if len(moves) < 2 {
		return nil
	}
	deltas := make([]float64, 0, len(moves)-1)
	for i := 1; i < len(moves); i++ {
		deltas = append(deltas, float64(moves[i].Time-moves[i-1].Time))
	}
	return deltas
}

func directionEntropy(moves []snake.Move) float64 {
	if len(moves) == 0 {
		return 0
	}
	var counts [4]float64
	total := 0.0
	for _, m := range moves {
		if m.Direction.Valid() {
			counts[m.Direction]++
			total++
		}
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := c / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func heartbeatConsistency(beats []snake.Heartbeat) float64 {
	if len(beats) < 2 {
		return 0
	}
	devs := make([]float64, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		interval := float64(beats[i].Time - beats[i-1].Time)
		devs = append(devs, math.Abs(interval-heartbeatNominalMS))
	}
	_, sd := stat.PopMeanStdDev(devs, nil)
	if math.IsNaN(sd) {
		sd = 0
	}
	scaled := sd / heartbeatDevScale
	if scaled > 1 {
		scaled = 1
	}
	return 1 - scaled
}

func frameTimingDeviation(moves []snake.Move) float64 {
	if len(moves) < 2 {
		return 0
	}
	rates := make([]float64, 0, len(moves)-1)
	for i := 1; i < len(moves); i++ {
		df := moves[i].Frame - moves[i-1].Frame
		if df <= 0 {
			continue
		}
		rates = append(rates, float64(moves[i].Time-moves[i-1].Time)/float64(df))
	}
	if len(rates) == 0 {
		return 0
	}
	_, sd := stat.PopMeanStdDev(rates, nil)
	return sd
}

func heartbeatPauseGaps(beats []snake.Heartbeat) int {
	gaps := 0
	for i := 1; i < len(beats); i++ {
		if beats[i].Time-beats[i-1].Time > heartbeatPauseGapMS {
			gaps++
		}
	}
	return gaps
}

func speedProgression(beats []snake.Heartbeat) float64 {
	total := 0.0
	for i := 1; i < len(beats); i++ {
		if drop := beats[i-1].Speed - beats[i].Speed; drop > 0 {
			total += float64(drop)
		}
	}
	return total
}

func burstRate(deltas []float64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	bursts := 0
	for _, d := range deltas {
		if d < burstThresholdMS {
			bursts++
		}
	}
	return float64(bursts) / float64(len(deltas))
}

func performanceDrift(beats []snake.Heartbeat) float64 {
	if len(beats) == 0 {
		return 0
	}
	drifts := make([]float64, 0, len(beats))
	for _, hb := range beats {
		drifts = append(drifts, math.Abs(float64(hb.Time-hb.Perf)))
	}
	return mean(drifts)
}

func avgSpeed(beats []snake.Heartbeat) float64 {
	if len(beats) == 0 {
		return 0
	}
	speeds := make([]float64, 0, len(beats))
	for _, hb := range beats {
		speeds = append(speeds, float64(hb.Speed))
	}
	return mean(speeds)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func popVariance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	_, v := stat.PopMeanVariance(xs, nil)
	return v
}

func sanitize(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
