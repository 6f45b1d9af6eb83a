// Package train rebuilds the shadow model in the background: the synthetic
// data generators, the training pipeline, the worker with its debounced
// one-at-a-time state machine, and the scheduler that triggers runs from
// accumulated edge cases.
package train

import (
	rand "math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/SuperSonnix71/Xnake/internal/feature"
	"github.com/SuperSonnix71/Xnake/internal/randutil"
	"github.com/SuperSonnix71/Xnake/internal/snake"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

// Archetype names a synthetic game profile. Cheat archetypes land their
// features in regions the rule detectors reject; skill archetypes cover the
// legitimate range from cautious beginners to fast experts.
type Archetype string

const (
	SynthSpeedHack  Archetype = "speed_hack"
	SynthBot        Archetype = "bot"
	SynthPauseAbuse Archetype = "pause_abuse"
	SynthTiming     Archetype = "timing_manipulation"

	SynthBeginner     Archetype = "beginner"
	SynthIntermediate Archetype = "intermediate"
	SynthExpert       Archetype = "expert"
)

// CheatArchetypes and SkillArchetypes list the generator profiles in the
// order batches are emitted.
var (
	CheatArchetypes = []Archetype{SynthSpeedHack, SynthBot, SynthPauseAbuse, SynthTiming}
	SkillArchetypes = []Archetype{SynthBeginner, SynthIntermediate, SynthExpert}
)

// Cheat reports whether the archetype carries a cheat label.
func (a Archetype) Cheat() bool {
	switch a {
	case SynthSpeedHack, SynthBot, SynthPauseAbuse, SynthTiming:
		return true
	}
	return false
}

// Game is one synthetic playthrough: the claimed outcome plus the full move
// and heartbeat logs, the same shape a real submission decodes to.
type Game struct {
	Archetype  Archetype
	Score      int
	FoodEaten  int
	Duration   int // seconds
	Moves      []snake.Move
	Heartbeats []snake.Heartbeat
}

// Generator produces synthetic games. It is fully determined by its seed so
// training runs and tests can reproduce a batch exactly.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator for the given seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: randutil.New(seed)}
}

// profile bundles the distribution parameters one archetype draws from.
type profile struct {
	foodMin, foodMax   int
	movesPerFood       distuv.Normal // moves recorded per food eaten
	moveIntervalMS     distuv.Normal // mean gap between moves
	intervalJitter     float64       // relative sigma on each gap
	heartbeatNoise     float64       // sigma on the 1s heartbeat interval
	clockDriftMS       float64       // wall vs monotonic divergence per beat
	pauseEvery         int           // insert a long stall every n moves (0 = never)
	pauseMS            float64
	durationCompress   float64 // claimed duration as a fraction of simulated time
	heartbeatPaceScale float64 // scales ms-per-frame implied by heartbeats
}

func (g *Generator) profileFor(a Archetype) profile {
	src := g.rng
	normal := func(mu, sigma float64) distuv.Normal {
		return distuv.Normal{Mu: mu, Sigma: sigma, Src: src}
	}
	switch a {
	case SynthSpeedHack:
		// Everything at machine pace: the claimed duration is far below
		// what the frame count implies and heartbeats tick too fast.
		return profile{
			foodMin: 30, foodMax: 60,
			movesPerFood:   normal(2.8, 0.3),
			moveIntervalMS: normal(45, 10),
			intervalJitter: 0.10, heartbeatNoise: 30,
			durationCompress: 0.25, heartbeatPaceScale: 0.2,
		}
	case SynthBot:
		// High scores with wasteful, metronomic movement.
		return profile{
			foodMin: 110, foodMax: 200,
			movesPerFood:   normal(5.5, 0.6),
			moveIntervalMS: normal(180, 15),
			intervalJitter: 0.02, heartbeatNoise: 20,
			durationCompress: 1, heartbeatPaceScale: 1,
		}
	case SynthPauseAbuse:
		return profile{
			foodMin: 8, foodMax: 25,
			movesPerFood:   normal(3.2, 0.4),
			moveIntervalMS: normal(450, 90),
			intervalJitter: 0.25, heartbeatNoise: 120,
			pauseEvery: 7, pauseMS: 14000,
			durationCompress: 1, heartbeatPaceScale: 1,
		}
	case SynthTiming:
		// Wall clock manipulated mid-game: wall and monotonic deltas
		// disagree and heartbeat intervals swing wildly.
		return profile{
			foodMin: 15, foodMax: 40,
			movesPerFood:   normal(3.0, 0.4),
			moveIntervalMS: normal(300, 60),
			intervalJitter: 0.3, heartbeatNoise: 700,
			clockDriftMS:     6000,
			durationCompress: 0.6, heartbeatPaceScale: 0.7,
		}
	case SynthBeginner:
		return profile{
			foodMin: 2, foodMax: 8,
			movesPerFood:   normal(3.4, 0.5),
			moveIntervalMS: normal(650, 140),
			intervalJitter: 0.45, heartbeatNoise: 140,
			durationCompress: 1, heartbeatPaceScale: 1,
		}
	case SynthIntermediate:
		return profile{
			foodMin: 10, foodMax: 28,
			movesPerFood:   normal(3.0, 0.4),
			moveIntervalMS: normal(420, 90),
			intervalJitter: 0.35, heartbeatNoise: 100,
			durationCompress: 1, heartbeatPaceScale: 1,
		}
	default: // SynthExpert
		return profile{
			foodMin: 30, foodMax: 70,
			movesPerFood:   normal(2.6, 0.3),
			moveIntervalMS: normal(240, 50),
			intervalJitter: 0.30, heartbeatNoise: 80,
			durationCompress: 1, heartbeatPaceScale: 1,
		}
	}
}

// Game synthesizes one playthrough of the archetype.
func (g *Generator) Game(a Archetype) Game {
	p := g.profileFor(a)

	food := p.foodMin + g.rng.IntN(p.foodMax-p.foodMin+1)
	moveCount := int(float64(food) * clampMin(p.movesPerFood.Rand(), 1.5))
	if moveCount < 2 {
		moveCount = 2
	}
	meanInterval := clampMin(p.moveIntervalMS.Rand(), 20)

	moves := make([]snake.Move, 0, moveCount)
	var clock float64
	dir := snake.Right
	speed := float64(snake.DefaultConfig().InitialSpeed)
	for i := 0; i < moveCount; i++ {
		gap := meanInterval * (1 + g.rng.NormFloat64()*p.intervalJitter)
		gap = clampMin(gap, 16)
		if p.pauseEvery > 0 && i > 0 && i%p.pauseEvery == 0 {
			gap += p.pauseMS * (0.8 + 0.4*g.rng.Float64())
		}
		clock += gap

		// Turn left or right relative to the current heading; a real
		// client can never log a reversal.
		if g.rng.IntN(2) == 0 {
			dir = (dir + 1) % 4
		} else {
			dir = (dir + 3) % 4
		}
		moves = append(moves, snake.Move{
			Direction: dir,
			Frame:     int(clock / speed),
			Time:      int64(clock),
		})
	}

	score := food * snake.PointsPerFood
	duration := int(clock / 1000 * p.durationCompress)
	if duration < 1 {
		duration = 1
	}

	beats := g.heartbeats(p, clock, speed, score)
	return Game{
		Archetype:  a,
		Score:      score,
		FoodEaten:  food,
		Duration:   duration,
		Moves:      moves,
		Heartbeats: beats,
	}
}

// heartbeats emits roughly one beat per simulated second with the
// archetype's noise, pace, and clock-drift characteristics.
func (g *Generator) heartbeats(p profile, totalMS, speed float64, score int) []snake.Heartbeat {
	n := int(totalMS/1000) + 1
	if n < 2 {
		n = 2
	}
	if n > 120 {
		n = 120
	}

	beats := make([]snake.Heartbeat, 0, n)
	var wall, perf float64
	var drift float64
	for i := 0; i < n; i++ {
		if i > 0 {
			interval := 1000 + g.rng.NormFloat64()*p.heartbeatNoise
			interval = clampMin(interval, 50)
			perf += interval
			wall += interval
			if p.clockDriftMS > 0 {
				step := p.clockDriftMS / float64(n) * (0.5 + g.rng.Float64())
				drift += step
				wall += step
			}
		}
		frame := int(perf / (speed * p.heartbeatPaceScale))
		beats = append(beats, snake.Heartbeat{
			Time:  int64(wall),
			Perf:  int64(perf),
			Frame: frame,
			Speed: int(speed),
			Score: score,
		})
	}
	return beats
}

// Batch generates perArchetype games for every archetype and returns them
// as labeled, feature-extracted samples.
func (g *Generator) Batch(perArchetype int, now time.Time) []store.Sample {
	var out []store.Sample
	emit := func(a Archetype, label int) {
		for i := 0; i < perArchetype; i++ {
			game := g.Game(a)
			out = append(out, store.Sample{
				Time:  now,
				Label: label,
				Kind:  string(a),
				Score: game.Score,
				Features: feature.Extract(feature.Input{
					Score:        game.Score,
					FoodEaten:    game.FoodEaten,
					GameDuration: game.Duration,
					Moves:        game.Moves,
					Heartbeats:   game.Heartbeats,
				}),
				Synthetic: true,
			})
		}
	}
	for _, a := range CheatArchetypes {
		emit(a, store.LabelCheat)
	}
	for _, a := range SkillArchetypes {
		emit(a, store.LabelLegit)
	}
	return out
}

func clampMin(x, floor float64) float64 {
	if x < floor {
		return floor
	}
	return x
}
