package snake

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMoves plays the game with a greedy pathing strategy until nFood food
// has been eaten, using the same stepping rules as the engine, and returns
// the recorded move log plus the frame on which the last food was eaten.
// It fails the test if the path dies before reaching the target.
func buildMoves(t *testing.T, cfg Config, seed uint32, nFood int) ([]Move, int) {
	t.Helper()

	center := cfg.Grid / 2
	body := []Point{{center, center}, {center - 1, center}, {center - 2, center}}
	dir := Right
	speed := cfg.InitialSpeed
	food := PlaceFood(cfg, seed, 0, body)

	var (
		clock int64
		eaten int
		moves []Move
	)
	for frame := 1; frame <= cfg.FrameCap; frame++ {
		clock += int64(speed)

		head := body[0]
		want := dir
		if head.X != food.X {
			want = Right
			if food.X < head.X {
				want = Left
			}
		} else if head.Y != food.Y {
			want = Down
			if food.Y < head.Y {
				want = Up
			}
		}
		if want != dir {
			if want == dir.Inverse() {
				// Food is directly behind; dogleg sideways first.
				if dir == Left || dir == Right {
					want = Down
					if head.Y >= cfg.Grid-1 {
						want = Up
					}
				} else {
					want = Right
					if head.X >= cfg.Grid-1 {
						want = Left
					}
				}
			}
			dir = want
			moves = append(moves, Move{Direction: dir, Frame: frame, Time: clock})
		}

		head = head.add(dir.delta())
		require.True(t, head.X >= 0 && head.X < cfg.Grid && head.Y >= 0 && head.Y < cfg.Grid,
			"pathing hit a wall at frame %d", frame)
		require.False(t, contains(body, head), "pathing hit itself at frame %d", frame)

		body = append(body, Point{})
		copy(body[1:], body)
		body[0] = head

		if head == food {
			eaten++
			if eaten >= nFood {
				return moves, frame
			}
			food = PlaceFood(cfg, seed, eaten, body)
			if speed > cfg.MinSpeed {
				speed -= cfg.SpeedIncrease
				if speed < cfg.MinSpeed {
					speed = cfg.MinSpeed
				}
			}
		} else {
			body = body[:len(body)-1]
		}
	}
	t.Fatalf("pathing never reached %d food", nFood)
	return nil, 0
}

func TestReplay(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	t.Run("legitimate short game is verified", func(t *testing.T) {
		// Seed 42 places the first food at (23,7). Walking right to
		// x=23 and then up eats it on frame 16; the snake then runs
		// into the top wall on frame 24.
		moves := []Move{
			{Direction: Right, Frame: 5, Time: 750},
			{Direction: Up, Frame: 9, Time: 1350},
		}
		res := engine.Replay(42, moves, Claim{Score: 10, FoodEaten: 1, Duration: 3, TotalFrames: 40})

		require.True(t, res.OK, "reason: %s", res.Reason)
		assert.Equal(t, 10, res.Score)
		assert.Equal(t, 1, res.FoodEaten)
		assert.Equal(t, 3, res.Duration)
		assert.Equal(t, 24, res.Frames)
		assert.Equal(t, EndWall, res.Trace.End)
		assert.Equal(t, 24, res.Trace.EndFrame)
		require.Len(t, res.Trace.Food, 1)
		assert.Equal(t, FoodEvent{Frame: 16, Cell: Point{23, 7}, Score: 10, Speed: 147}, res.Trace.Food[0])
	})

	t.Run("straight run ends at the wall", func(t *testing.T) {
		res := engine.Replay(42, nil, Claim{Score: 0, FoodEaten: 0, Duration: 2, TotalFrames: 15})

		require.True(t, res.OK, "reason: %s", res.Reason)
		assert.Equal(t, 0, res.Score)
		assert.Equal(t, EndWall, res.Trace.End)
		assert.Equal(t, 15, res.Trace.EndFrame)
		assert.Equal(t, 2, res.Duration)
	})

	t.Run("inverse move is consumed but not applied", func(t *testing.T) {
		plain := engine.Replay(42, nil, Claim{Score: 0, FoodEaten: 0, Duration: 2, TotalFrames: 15})
		reversed := engine.Replay(42, []Move{{Direction: Left, Frame: 1, Time: 150}},
			Claim{Score: 0, FoodEaten: 0, Duration: 2, TotalFrames: 15})

		assert.Equal(t, plain, reversed)
	})

	t.Run("score mismatch names both values", func(t *testing.T) {
		res := engine.Replay(7, nil, Claim{Score: 50, FoodEaten: 5, Duration: 10, TotalFrames: 40})

		require.False(t, res.OK)
		assert.Equal(t, "Score mismatch: replay calculated 0, client sent 50", res.Reason)
		assert.Equal(t, 0, res.Score)
	})

	t.Run("small score gap passes but food count is exact", func(t *testing.T) {
		// Claimed score 10 is within the low-food tolerance of the
		// replayed 0, so the food check is what rejects this one.
		res := engine.Replay(42, nil, Claim{Score: 10, FoodEaten: 1, Duration: 2, TotalFrames: 15})

		require.False(t, res.OK)
		assert.Equal(t, "Food mismatch: replay calculated 0, client sent 1", res.Reason)
	})

	t.Run("duration mismatch is rejected", func(t *testing.T) {
		res := engine.Replay(42, nil, Claim{Score: 0, FoodEaten: 0, Duration: 60, TotalFrames: 15})

		require.False(t, res.OK)
		assert.Equal(t, "Duration mismatch: replay calculated 2s, client sent 60s", res.Reason)
	})

	t.Run("simulation stops at the frame cap", func(t *testing.T) {
		// A square holding pattern never eats and never dies.
		pattern := []Direction{Down, Left, Up, Right}
		moves := make([]Move, 0, 10000)
		for frame := 1; frame <= 10000; frame++ {
			moves = append(moves, Move{Direction: pattern[(frame-1)%4], Frame: frame, Time: int64(frame) * 150})
		}
		res := engine.Replay(42, moves, Claim{Score: 0, FoodEaten: 0, Duration: 1500, TotalFrames: 10000})

		require.True(t, res.OK, "reason: %s", res.Reason)
		assert.Equal(t, EndFrameCap, res.Trace.End)
		assert.Equal(t, 10000, res.Frames)
		assert.Equal(t, 10000, res.Trace.EndFrame)
		assert.Equal(t, 1500, res.Duration)
	})

	t.Run("self collision terminates the game", func(t *testing.T) {
		// Two food make the snake five cells long, enough for a tight
		// U-turn to bite its own body.
		moves, lastFood := buildMoves(t, DefaultConfig(), 42, 2)
		require.Equal(t, 39, lastFood)
		moves = append(moves,
			Move{Direction: Left, Frame: 40, Time: 6000},
			Move{Direction: Down, Frame: 41, Time: 6150},
			Move{Direction: Right, Frame: 42, Time: 6300},
		)
		res := engine.Replay(42, moves, Claim{Score: 20, FoodEaten: 2, Duration: 6, TotalFrames: 60})

		require.True(t, res.OK, "reason: %s", res.Reason)
		assert.Equal(t, EndSelf, res.Trace.End)
		assert.Equal(t, 42, res.Trace.EndFrame)
		assert.Equal(t, 20, res.Score)
		assert.Equal(t, 2, res.FoodEaten)
	})

	t.Run("trace keeps both ends and all food", func(t *testing.T) {
		moves, _ := buildMoves(t, DefaultConfig(), 42, 2)
		res := engine.Replay(42, moves, Claim{Score: 20, FoodEaten: 2, Duration: 5, TotalFrames: 39})

		require.True(t, res.OK, "reason: %s", res.Reason)
		assert.Len(t, res.Trace.First, traceWindow)
		assert.Equal(t, 1, res.Trace.First[0].Frame)
		assert.Len(t, res.Trace.Last, traceWindow)
		assert.Len(t, res.Trace.Food, 2)
	})
}

func TestReplayScoreToleranceWindow(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	moves, _ := buildMoves(t, DefaultConfig(), 42, 2)

	// A two-food game replays to score 20; claims from 0 to 40 sit inside
	// the low-food tolerance band.
	for _, claimed := range []int{0, 20, 40} {
		res := engine.Replay(42, moves, Claim{Score: claimed, FoodEaten: 2, Duration: 5, TotalFrames: 39})
		assert.True(t, res.OK, "claimed score %d should pass: %s", claimed, res.Reason)
	}

	res := engine.Replay(42, moves, Claim{Score: 41, FoodEaten: 2, Duration: 5, TotalFrames: 39})
	require.False(t, res.OK)
	assert.Equal(t, "Score mismatch: replay calculated 20, client sent 41", res.Reason)
}

func TestReplayDeterminism(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	rng := rand.New(rand.NewPCG(11, 17))

	for i := 0; i < 50; i++ {
		seed := rng.Uint32()
		moves := make([]Move, 0, 40)
		frame := 1
		for len(moves) < 40 && frame < 500 {
			frame += int(rng.Uint32()%8) + 1
			moves = append(moves, Move{
				Direction: Direction(rng.Uint32() % 4),
				Frame:     frame,
				Time:      int64(frame) * 150,
			})
		}
		claim := Claim{Score: int(rng.Uint32() % 100), FoodEaten: int(rng.Uint32() % 5), Duration: int(rng.Uint32() % 60), TotalFrames: 500}

		first := engine.Replay(seed, moves, claim)
		second := engine.Replay(seed, moves, claim)
		require.Equal(t, first, second, "replay diverged for seed %d", seed)
	}
}
