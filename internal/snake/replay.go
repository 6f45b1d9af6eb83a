package snake

import "fmt"

// EndReason describes why a replay stopped simulating.
type EndReason string

const (
	EndWall      EndReason = "wall_collision"
	EndSelf      EndReason = "self_collision"
	EndFrameCap  EndReason = "frame_cap"
	EndFoodBound EndReason = "food_bound"
)

// Claim is the outcome the client asserts for a game. The replay engine
// re-simulates the game and checks the claim against what actually happened.
type Claim struct {
	Score       int
	FoodEaten   int
	Duration    int // seconds
	TotalFrames int
}

// FrameState is a per-frame snapshot kept in the trace.
type FrameState struct {
	Frame int       `json:"frame"`
	Head  Point     `json:"head"`
	Dir   Direction `json:"dir"`
	Score int       `json:"score"`
}

// FoodEvent records a food pickup during replay.
type FoodEvent struct {
	Frame int   `json:"frame"`
	Cell  Point `json:"cell"`
	Score int   `json:"score"`
	Speed int   `json:"speed"`
}

// Trace is the capped frame log attached to every replay result. It carries
// the first and last few frame states plus every food event, enough for an
// operator to see where a diverging replay went off the rails without
// shipping ten thousand frames around.
type Trace struct {
	First    []FrameState `json:"first"`
	Last     []FrameState `json:"last"`
	Food     []FoodEvent  `json:"food"`
	End      EndReason    `json:"end"`
	EndFrame int          `json:"end_frame"`
}

// traceWindow is how many frame states are kept at each end of the trace.
const traceWindow = 5

// Result is the replay verdict. OK means the claim survived re-simulation;
// otherwise Reason holds a short operator-readable mismatch description.
// Score, FoodEaten, and Duration are the re-simulated values.
type Result struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Score     int    `json:"score"`
	FoodEaten int    `json:"food_eaten"`
	Duration  int    `json:"duration"`
	Frames    int    `json:"frames"`
	Trace     Trace  `json:"trace"`
}

// Engine re-executes games from (seed, moves). It holds only configuration
// and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine returns an engine using the given simulation constants.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine's simulation constants.
func (e *Engine) Config() Config { return e.cfg }

// Replay re-simulates a game from its seed and move log and verifies the
// client's claim. Moves must be ordered by frame; a move is applied on the
// frame it names unless it reverses the current heading, and is consumed
// either way. Simulation runs for min(TotalFrames+slack, cap) frames or
// until the snake dies.
func (e *Engine) Replay(seed uint32, moves []Move, claim Claim) Result {
	cfg := e.cfg

	frames := claim.TotalFrames + cfg.FrameSlack
	if frames > cfg.FrameCap {
		frames = cfg.FrameCap
	}

	center := cfg.Grid / 2
	body := []Point{
		{center, center},
		{center - 1, center},
		{center - 2, center},
	}
	dir := Right
	speed := cfg.InitialSpeed
	food := PlaceFood(cfg, seed, 0, body)

	var (
		clock   int64
		score   int
		eaten   int
		moveIdx int
		trace   Trace
		last    [traceWindow]FrameState
		lastN   int
	)
	trace.End = EndFrameCap

	record := func(frame int) {
		st := FrameState{Frame: frame, Head: body[0], Dir: dir, Score: score}
		if len(trace.First) < traceWindow {
			trace.First = append(trace.First, st)
		}
		last[lastN%traceWindow] = st
		lastN++
	}

	frame := 0
	for frame = 1; frame <= frames; frame++ {
		clock += int64(speed)

		for moveIdx < len(moves) && moves[moveIdx].Frame == frame {
			m := moves[moveIdx]
			moveIdx++
			if !m.Direction.Valid() || m.Direction == dir.Inverse() {
				continue
			}
			dir = m.Direction
		}

		head := body[0].add(dir.delta())
		if head.X < 0 || head.X >= cfg.Grid || head.Y < 0 || head.Y >= cfg.Grid {
			trace.End = EndWall
			break
		}
		if contains(body, head) {
			trace.End = EndSelf
			break
		}

		body = append(body, Point{})
		copy(body[1:], body)
		body[0] = head

		if head == food {
			score += PointsPerFood
			eaten++
			if eaten > cfg.MaxFood {
				trace.End = EndFoodBound
				trace.EndFrame = frame
				return Result{
					OK:        false,
					Reason:    fmt.Sprintf("replay aborted: food count exceeded bound %d", cfg.MaxFood),
					Score:     score,
					FoodEaten: eaten,
					Duration:  int(clock / 1000),
					Frames:    frame,
					Trace:     e.finishTrace(trace, last, lastN),
				}
			}
			food = PlaceFood(cfg, seed, eaten, body)
			if speed > cfg.MinSpeed {
				speed -= cfg.SpeedIncrease
				if speed < cfg.MinSpeed {
					speed = cfg.MinSpeed
				}
			}
			trace.Food = append(trace.Food, FoodEvent{Frame: frame, Cell: head, Score: score, Speed: speed})
		} else {
			body = body[:len(body)-1]
		}

		record(frame)
	}
	if frame > frames {
		frame = frames
	}
	trace.EndFrame = frame

	res := Result{
		Score:     score,
		FoodEaten: eaten,
		Duration:  int(clock / 1000),
		Frames:    frame,
		Trace:     e.finishTrace(trace, last, lastN),
	}

	if !e.scoreWithinTolerance(claim.Score, score, eaten) {
		res.Reason = fmt.Sprintf("Score mismatch: replay calculated %d, client sent %d", score, claim.Score)
		return res
	}
	if eaten != claim.FoodEaten {
		res.Reason = fmt.Sprintf("Food mismatch: replay calculated %d, client sent %d", eaten, claim.FoodEaten)
		return res
	}
	if !e.durationWithinTolerance(claim.Duration, res.Duration) {
		res.Reason = fmt.Sprintf("Duration mismatch: replay calculated %ds, client sent %ds", res.Duration, claim.Duration)
		return res
	}

	res.OK = true
	return res
}

// scoreWithinTolerance checks the claimed score against the replayed score.
// The absolute tolerance applies only while the replayed food count is at or
// below the configured threshold; past that the match must be exact.
func (e *Engine) scoreWithinTolerance(claimed, replayed, eaten int) bool {
	if claimed == replayed {
		return true
	}
	if eaten > e.cfg.ScoreToleranceFood {
		return false
	}
	return abs(claimed-replayed) <= e.cfg.ScoreTolerance
}

// durationWithinTolerance checks the claimed duration in seconds against the
// simulated one, allowing max(absolute floor, relative fraction of the claim).
func (e *Engine) durationWithinTolerance(claimed, simulated int) bool {
	tol := float64(e.cfg.DurationToleranceS)
	if rel := float64(claimed) * e.cfg.DurationToleranceF; rel > tol {
		tol = rel
	}
	return abs(claimed-simulated) <= int(tol)
}

func (e *Engine) finishTrace(trace Trace, last [traceWindow]FrameState, lastN int) Trace {
	n := lastN
	if n > traceWindow {
		n = traceWindow
	}
	trace.Last = make([]FrameState, 0, n)
	for i := lastN - n; i < lastN; i++ {
		trace.Last = append(trace.Last, last[i%traceWindow])
	}
	return trace
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
