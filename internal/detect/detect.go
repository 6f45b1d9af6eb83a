// Package detect runs the layered rule checks that decide whether a
// submission is rejected. Rules execute in a fixed order and the first one
// to fire short-circuits the rest; the replay engine runs last because it is
// by far the most expensive check.
//
// The machine-learning detector is deliberately absent here: it operates in
// shadow mode and never contributes to the accept/reject decision.
package detect

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/SuperSonnix71/Xnake/internal/snake"
)

// CheatKind is the fixed taxonomy of rejection causes recorded with every
// cheat.
type CheatKind string

const (
	ScoreMismatch      CheatKind = "score_mismatch"
	SpeedHack          CheatKind = "speed_hack"
	InvalidSession     CheatKind = "invalid_session"
	PauseAbuse         CheatKind = "pause_abuse"
	BotUsage           CheatKind = "bot_usage"
	TimingManipulation CheatKind = "timing_manipulation"
	ReplayFail         CheatKind = "replay_fail"
	MissingMoves       CheatKind = "missing_moves"
)

// Submission is a fully validated score submission, after codec parsing and
// field validation at the HTTP boundary.
type Submission struct {
	PlayerKey    string
	Score        int
	SpeedLevel   int
	FoodEaten    int
	GameDuration int // seconds
	Seed         uint32
	TotalFrames  int
	Moves        []snake.Move
	Heartbeats   []snake.Heartbeat
}

// SessionInfo tells the session-seed rule what the registry currently holds
// for the player.
type SessionInfo struct {
	Present bool
	Seed    uint32
}

// Finding is a fired rule: the cheat kind plus an operator-readable reason.
type Finding struct {
	Kind   CheatKind
	Reason string
}

// Verdict is the chain outcome. Cheat is false when every rule passed.
// Replay carries the replay result whenever the replay rule ran, so callers
// can log the frame trace of a divergence.
type Verdict struct {
	Cheat  bool
	Kind   CheatKind
	Reason string
	Rule   string
	Replay *snake.Result
}

// Config holds the rule thresholds. Zero values are not usable; start from
// DefaultConfig.
type Config struct {
	ScoreTolerance     int     // absolute score slack at low food counts
	ScoreToleranceFood int     // max foodEaten for which the slack applies
	SpeedFloorLevel    int     // speed levels above this require a minimum duration
	SpeedFloorFactor   float64 // minimum seconds per speed level
	PauseGapMS         int64   // inter-move gap considered a suspicious pause
	AllowedPauseGaps   int     // gaps tolerated before the pause rule fires
	BotMinScore        int     // bot heuristic only applies above this score
	BotMovesPerFood    float64 // moves-per-food ratio that flags a bot
	HeartbeatMinScore  int     // heartbeat rule only applies at or above this score
	HeartbeatBandMS    float64 // absolute floor of the heartbeat timing band
	HeartbeatBandFrac  float64 // relative width of the heartbeat timing band
	ClockDriftMS       int64   // tolerated wall vs monotonic divergence per interval
	MinMSPerFrame      float64 // global pacing floor
	MaxMSPerFrame      float64 // global pacing ceiling
}

// DefaultConfig returns the calibrated production thresholds.
func DefaultConfig() Config {
	return Config{
		ScoreTolerance:     20,
		ScoreToleranceFood: 2,
		SpeedFloorLevel:    5,
		SpeedFloorFactor:   1.5,
		PauseGapMS:         10000,
		AllowedPauseGaps:   0,
		BotMinScore:        1000,
		BotMovesPerFood:    4.0,
		HeartbeatMinScore:  100,
		HeartbeatBandMS:    200,
		HeartbeatBandFrac:  0.30,
		ClockDriftMS:       5000,
		MinMSPerFrame:      40,
		MaxMSPerFrame:      200,
	}
}

// rule is one named check. A nil return means the rule did not fire.
type rule struct {
	name  string
	check func(sub Submission, sess SessionInfo) *Finding
}

// Chain evaluates the rules in order. It is safe for concurrent use.
type Chain struct {
	cfg    Config
	engine *snake.Engine
	logger *log.Logger
	rules  []rule
}

// NewChain builds the production rule chain around the given replay engine.
func NewChain(logger *log.Logger, cfg Config, engine *snake.Engine) *Chain {
	c := &Chain{
		cfg:    cfg,
		engine: engine,
		logger: logger.WithPrefix("detect"),
	}
	c.rules = []rule{
		{name: "score_vs_food", check: c.checkScoreVsFood},
		{name: "speed_floor", check: c.checkSpeedFloor},
		{name: "session_seed", check: c.checkSessionSeed},
		{name: "pause_gap", check: c.checkPauseGaps},
		{name: "bot_heuristic", check: c.checkBotPattern},
		{name: "heartbeat_consistency", check: c.checkHeartbeats},
	}
	return c
}

// Evaluate runs the chain. The replay engine runs only when every cheaper
// rule has passed.
func (c *Chain) Evaluate(sub Submission, sess SessionInfo) Verdict {
	for _, r := range c.rules {
		if f := r.check(sub, sess); f != nil {
			c.logger.Debug("rule fired", "rule", r.name, "kind", f.Kind, "player", sub.PlayerKey)
			return Verdict{Cheat: true, Kind: f.Kind, Reason: f.Reason, Rule: r.name}
		}
	}
	return c.runReplay(sub)
}

// checkScoreVsFood enforces score == foodEaten * 10, with slack only for
// games that barely started.
func (c *Chain) checkScoreVsFood(sub Submission, _ SessionInfo) *Finding {
	expected := sub.FoodEaten * snake.PointsPerFood
	diff := sub.Score - expected
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		return nil
	}
	if sub.FoodEaten <= c.cfg.ScoreToleranceFood && diff <= c.cfg.ScoreTolerance {
		return nil
	}
	return &Finding{
		Kind:   ScoreMismatch,
		Reason: fmt.Sprintf("score %d does not match %d food eaten (expected %d)", sub.Score, sub.FoodEaten, expected),
	}
}

// checkSpeedFloor rejects games that claim a high speed level in less time
// than the level takes to reach.
func (c *Chain) checkSpeedFloor(sub Submission, _ SessionInfo) *Finding {
	if sub.SpeedLevel <= c.cfg.SpeedFloorLevel {
		return nil
	}
	minDuration := float64(sub.SpeedLevel) * c.cfg.SpeedFloorFactor
	if float64(sub.GameDuration) >= minDuration {
		return nil
	}
	return &Finding{
		Kind:   SpeedHack,
		Reason: fmt.Sprintf("speed level %d claimed after %ds, reaching it takes at least %.1fs", sub.SpeedLevel, sub.GameDuration, minDuration),
	}
}

// checkSessionSeed requires a live session whose seed matches the
// submission.
func (c *Chain) checkSessionSeed(sub Submission, sess SessionInfo) *Finding {
	if !sess.Present {
		return &Finding{Kind: InvalidSession, Reason: "no active game session for player"}
	}
	if sess.Seed != sub.Seed {
		return &Finding{
			Kind:   InvalidSession,
			Reason: fmt.Sprintf("submitted seed %d does not match session seed", sub.Seed),
		}
	}
	return nil
}

// checkPauseGaps scans inter-move times for suspicious stalls.
func (c *Chain) checkPauseGaps(sub Submission, _ SessionInfo) *Finding {
	var (
		gaps    int
		longest int64
	)
	for i := 1; i < len(sub.Moves); i++ {
		gap := sub.Moves[i].Time - sub.Moves[i-1].Time
		if gap > c.cfg.PauseGapMS {
			gaps++
			if gap > longest {
				longest = gap
			}
		}
	}
	if gaps <= c.cfg.AllowedPauseGaps {
		return nil
	}
	return &Finding{
		Kind:   PauseAbuse,
		Reason: fmt.Sprintf("%d suspicious pause gaps, longest %.1fs", gaps, float64(longest)/1000),
	}
}

// checkBotPattern flags high-scoring games with machine-like move economy.
func (c *Chain) checkBotPattern(sub Submission, _ SessionInfo) *Finding {
	if sub.Score <= c.cfg.BotMinScore {
		return nil
	}
	food := sub.FoodEaten
	if food < 1 {
		food = 1
	}
	ratio := float64(len(sub.Moves)) / float64(food)
	if ratio <= c.cfg.BotMovesPerFood {
		return nil
	}
	return &Finding{
		Kind:   BotUsage,
		Reason: fmt.Sprintf("%.1f moves per food at score %d", ratio, sub.Score),
	}
}

// runReplay is the final rule. Games that never scored and never moved skip
// the simulation entirely.
func (c *Chain) runReplay(sub Submission) Verdict {
	if len(sub.Moves) == 0 {
		if sub.Score == 0 && sub.FoodEaten == 0 {
			return Verdict{}
		}
		return Verdict{
			Cheat:  true,
			Kind:   MissingMoves,
			Reason: fmt.Sprintf("scored %d with no recorded moves", sub.Score),
			Rule:   "replay",
		}
	}

	res := c.engine.Replay(sub.Seed, sub.Moves, snake.Claim{
		Score:       sub.Score,
		FoodEaten:   sub.FoodEaten,
		Duration:    sub.GameDuration,
		TotalFrames: sub.TotalFrames,
	})
	if res.OK {
		return Verdict{Replay: &res}
	}
	return Verdict{
		Cheat:  true,
		Kind:   ReplayFail,
		Reason: res.Reason,
		Rule:   "replay",
		Replay: &res,
	}
}
