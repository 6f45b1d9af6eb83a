package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/SuperSonnix71/Xnake/internal/codec"
	"github.com/SuperSonnix71/Xnake/internal/snake"
)

// ReplayCmd re-simulates one recorded submission, the same way the server
// does, and reports whether the claim holds up.
type ReplayCmd struct {
	File  string `kong:"arg,required,help='Submission JSON file'"`
	Trace bool   `kong:"help='Print the full frame trace'"`
}

// replayDoc is the on-disk submission layout, matching the score endpoint's
// request body.
type replayDoc struct {
	Score        int    `json:"score"`
	FoodEaten    int    `json:"foodEaten"`
	GameDuration int    `json:"gameDuration"`
	Seed         uint32 `json:"seed"`
	Moves        string `json:"moves"`
	TotalFrames  int    `json:"totalFrames"`
}

func (c *ReplayCmd) Run() error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	var doc replayDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", c.File, err)
	}
	moves, err := codec.ParseMoves(doc.Moves)
	if err != nil {
		return fmt.Errorf("parse moves: %w", err)
	}

	engine := snake.NewEngine(snake.DefaultConfig())
	result := engine.Replay(doc.Seed, moves, snake.Claim{
		Score:       doc.Score,
		FoodEaten:   doc.FoodEaten,
		Duration:    doc.GameDuration,
		TotalFrames: doc.TotalFrames,
	})

	fmt.Printf("seed %d, %d moves, claimed score %d\n", doc.Seed, len(moves), doc.Score)
	fmt.Printf("replayed: score %d, food %d, duration %ds, frames %d, end %s\n",
		result.Score, result.FoodEaten, result.Duration, result.Frames, result.Trace.End)

	if c.Trace {
		trace, err := json.MarshalIndent(result.Trace, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(trace))
	}

	if !result.OK {
		return fmt.Errorf("claim rejected: %s", result.Reason)
	}
	fmt.Println("claim verified")
	return nil
}
