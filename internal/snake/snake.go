// Package snake implements the deterministic game simulation shared with the
// browser client: the seeded random stream used for food placement and the
// frame-by-frame replay engine that re-executes a submitted game.
//
// Everything in this package is pure. Given the same seed, move log, and
// configuration, every function returns identical results on every call,
// which is what makes server-side replay verification possible at all.
package snake

import "fmt"

// Direction is a snake heading as transmitted by the client.
type Direction int

const (
	Up Direction = iota
	Right
	Down
	Left
)

// Valid reports whether d is one of the four client-encodable headings.
func (d Direction) Valid() bool {
	return d >= Up && d <= Left
}

// Inverse returns the opposite heading. Applying an inverse move would make
// the snake reverse into itself, so the replay loop ignores such moves.
func (d Direction) Inverse() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	case Left:
		return Right
	default:
		return Left
	}
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Right:
		return "right"
	case Down:
		return "down"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// delta returns the per-frame head displacement in grid cells.
func (d Direction) delta() Point {
	switch d {
	case Up:
		return Point{0, -1}
	case Right:
		return Point{1, 0}
	case Down:
		return Point{0, 1}
	default:
		return Point{-1, 0}
	}
}

// Point is a cell on the game grid. X grows rightward, Y grows downward,
// matching the client's canvas coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Point) add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Move is one committed direction change, recorded on the frame it takes
// effect. Time is milliseconds since game start.
type Move struct {
	Direction Direction `json:"direction"`
	Frame     int       `json:"frame"`
	Time      int64     `json:"time"`
}

// Heartbeat is a periodic client self-report used to corroborate wall-clock
// against monotonic-clock progress. Score is optional; -1 means absent.
type Heartbeat struct {
	Time  int64 `json:"time"`
	Perf  int64 `json:"perf"`
	Frame int   `json:"frame"`
	Speed int   `json:"speed"`
	Score int   `json:"score"`
}

// Config holds the simulation constants and verification tolerances. The
// simulation constants must match the client build exactly; changing any of
// them breaks replay for every client still running the old values.
type Config struct {
	Grid          int // board is Grid x Grid cells
	InitialSpeed  int // ms per frame at game start
	SpeedIncrease int // ms shaved off per food eaten
	MinSpeed      int // ms per frame floor

	ScoreTolerance     int     // absolute score slack, applied only at low food counts
	ScoreToleranceFood int     // max foodEaten for which ScoreTolerance applies
	DurationToleranceS int     // absolute duration slack in seconds
	DurationToleranceF float64 // relative duration slack

	MaxFood    int // hard bound on food eaten during replay
	FrameCap   int // absolute cap on simulated frames
	FrameSlack int // extra frames simulated beyond the client's count
}

// DefaultConfig returns the constants the production client is built with.
func DefaultConfig() Config {
	return Config{
		Grid:               30,
		InitialSpeed:       150,
		SpeedIncrease:      3,
		MinSpeed:           50,
		ScoreTolerance:     20,
		ScoreToleranceFood: 2,
		DurationToleranceS: 10,
		DurationToleranceF: 0.20,
		MaxFood:            1000,
		FrameCap:           10000,
		FrameSlack:         10,
	}
}

// PointsPerFood is the score awarded for each food eaten. Submissions are
// checked against score == foodEaten * PointsPerFood before replay runs.
const PointsPerFood = 10
