package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuperSonnix71/Xnake/internal/snake"
)

func TestExtractEmptyInput(t *testing.T) {
	v := Extract(Input{})

	require.Len(t, v, Count)
	for i, x := range v {
		assert.Zero(t, x, "feature %s must default to 0", Names[i])
	}
}

func TestExtractNeverProducesNaN(t *testing.T) {
	// Degenerate inputs that make individual denominators collapse.
	inputs := []Input{
		{Score: 100},
		{Score: 100, FoodEaten: 10, GameDuration: 0},
		{Moves: []snake.Move{{Direction: snake.Right, Frame: 1, Time: 0}}},
		{Heartbeats: []snake.Heartbeat{{Time: 1000, Perf: 1000, Frame: 10, Speed: 150}}},
		{
			// Identical timestamps give zero-width deltas everywhere.
			Moves: []snake.Move{
				{Direction: snake.Right, Frame: 1, Time: 500},
				{Direction: snake.Up, Frame: 1, Time: 500},
				{Direction: snake.Left, Frame: 1, Time: 500},
			},
		},
	}
	for _, in := range inputs {
		for i, x := range Extract(in) {
			assert.False(t, math.IsNaN(x) || math.IsInf(x, 0), "feature %s", Names[i])
		}
	}
}

func TestMoveTimingFeatures(t *testing.T) {
	in := Input{
		Score:        40,
		FoodEaten:    4,
		GameDuration: 10,
		Moves: []snake.Move{
			{Direction: snake.Right, Frame: 1, Time: 0},
			{Direction: snake.Up, Frame: 3, Time: 300},
			{Direction: snake.Left, Frame: 5, Time: 600},
			{Direction: snake.Down, Frame: 7, Time: 900},
		},
	}
	v := Extract(in)

	assert.InDelta(t, 300.0, v[0], 1e-9, "avg_time_between_moves")
	assert.InDelta(t, 0.0, v[1], 1e-9, "move_time_variance of uniform deltas")
	assert.InDelta(t, 1.0, v[2], 1e-9, "moves_per_food")
	assert.InDelta(t, 2.0, v[3], 1e-9, "entropy of uniform directions is 2 bits")
	assert.InDelta(t, 4.0, v[5], 1e-9, "score_rate")
	assert.InDelta(t, 0.0, v[6], 1e-9, "uniform ms-per-frame has no deviation")
	assert.Zero(t, v[9], "no deltas under the burst threshold")
}

func TestBurstRate(t *testing.T) {
	in := Input{
		Moves: []snake.Move{
			{Direction: snake.Right, Frame: 1, Time: 0},
			{Direction: snake.Up, Frame: 2, Time: 50},    // burst
			{Direction: snake.Left, Frame: 3, Time: 100}, // burst
			{Direction: snake.Down, Frame: 5, Time: 400},
			{Direction: snake.Right, Frame: 7, Time: 700},
		},
	}
	v := Extract(in)
	assert.InDelta(t, 0.5, v[9], 1e-9, "2 of 4 deltas under 100ms")
}

func TestHeartbeatFeatures(t *testing.T) {
	t.Run("steady heartbeats score full consistency", func(t *testing.T) {
		beats := []snake.Heartbeat{
			{Time: 0, Perf: 0, Frame: 0, Speed: 150},
			{Time: 1000, Perf: 1000, Frame: 7, Speed: 147},
			{Time: 2000, Perf: 2000, Frame: 14, Speed: 144},
			{Time: 3000, Perf: 3000, Frame: 21, Speed: 144},
		}
		v := Extract(Input{Heartbeats: beats, FoodEaten: 2})

		assert.InDelta(t, 1.0, v[4], 1e-9, "heartbeat_consistency")
		assert.Zero(t, v[7], "pause_gap_count")
		assert.InDelta(t, 6.0, v[8], 1e-9, "speed_progression sums the two drops")
		assert.Zero(t, v[10], "performance_time_drift")
		assert.InDelta(t, 146.25/2, v[11], 1e-9, "avg_speed_per_food")
	})

	t.Run("pauses and drift are counted", func(t *testing.T) {
		beats := []snake.Heartbeat{
			{Time: 0, Perf: 0, Frame: 0, Speed: 150},
			{Time: 5000, Perf: 1000, Frame: 7, Speed: 150},
			{Time: 6000, Perf: 2000, Frame: 14, Speed: 150},
		}
		v := Extract(Input{Heartbeats: beats})

		assert.Equal(t, 1.0, v[7], "one gap over 2000ms")
		assert.InDelta(t, (0+4000+4000)/3.0, v[10], 1e-9, "mean |wall-monotonic|")
		assert.Less(t, v[4], 1.0, "erratic intervals lose consistency")
	})
}

func TestSeries(t *testing.T) {
	moves := []snake.Move{
		{Direction: snake.Right, Frame: 5, Time: 750},
		{Direction: snake.Down, Frame: 9, Time: 1350},
	}
	s := Series(moves)

	require.Len(t, s, SeriesLen)
	assert.InDelta(t, float64(snake.Right)/3, s[0][0], 1e-9)
	assert.Zero(t, s[0][1], "first row has no previous move")
	assert.InDelta(t, 0.005, s[0][2], 1e-9)
	assert.InDelta(t, 0.6, s[1][1], 1e-9, "delta 600ms scaled")
	assert.Equal(t, [SeriesWidth]float64{}, s[2], "padding is zero")
	assert.Equal(t, [SeriesWidth]float64{}, s[SeriesLen-1])
}

func TestSeriesTruncatesLongLogs(t *testing.T) {
	moves := make([]snake.Move, 80)
	for i := range moves {
		moves[i] = snake.Move{Direction: snake.Right, Frame: i + 1, Time: int64(i * 100)}
	}
	s := Series(moves)
	require.Len(t, s, SeriesLen)
	assert.InDelta(t, float64(SeriesLen)/1000, s[SeriesLen-1][2], 1e-9)
}
