package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/coder/quartz"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/SuperSonnix71/Xnake/cmd/xnake/shared"
	"github.com/SuperSonnix71/Xnake/internal/config"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// TrainCmd runs one training pass outside the server, against the same data
// directory and model registry the server uses.
type TrainCmd struct {
	Config   string `kong:"short='c',env='XNAKE_CONFIG',help='Path to HCL config file'"`
	DataDir  string `kong:"help='Data directory override'"`
	Seed     int64  `kong:"help='Deterministic training seed (0 uses the clock)'"`
	Activate bool   `kong:"default='true',negatable,help='Mark the trained model active'"`
	Debug    bool   `kong:"help='Enable debug logging'"`
}

func (c *TrainCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.DataDir != "" {
		cfg.Server.DataDir = c.DataDir
	}
	logger, closeLog, err := shared.SetupLogger(cfg.Server.LogLevel, "", c.Debug)
	if err != nil {
		return err
	}
	defer closeLog()

	clock := quartz.NewReal()
	samples, err := store.NewSamples(logger, clock, filepath.Join(cfg.Server.DataDir, "training_samples.jsonl"))
	if err != nil {
		return err
	}
	registry, err := ml.NewRegistry(logger, filepath.Join(cfg.Server.DataDir, "models"))
	if err != nil {
		return err
	}

	snapshot, err := samples.Snapshot()
	if err != nil {
		return err
	}

	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	ctx, stop := shared.SetupSignalHandler(logger)
	defer stop()

	bar := pb.Full.Start(cfg.Training.Epochs)
	trainer := train.NewTrainer(logger, cfg.TrainerConfig())
	result, err := trainer.Train(ctx, snapshot, seed, time.Now(), func(p train.Progress) {
		bar.SetCurrent(int64(p.Epoch))
	})
	bar.Finish()
	if err != nil {
		return err
	}

	if err := registry.Save(result.Bundle); err != nil {
		return err
	}
	if c.Activate {
		if err := registry.SetActive(result.Bundle.Version); err != nil {
			return err
		}
	}

	m := result.Bundle.Metrics
	p := message.NewPrinter(language.English)
	p.Printf("trained %s on %d samples (%d real, %d synthetic)\n",
		result.Bundle.Version, result.RealSamples+result.SyntheticSamples,
		result.RealSamples, result.SyntheticSamples)
	fmt.Printf("accuracy %.3f  precision %.3f  recall %.3f  f1 %.3f\n",
		m.Accuracy, m.Precision, m.Recall, m.F1)
	if c.Activate {
		fmt.Println("model activated")
	}
	return nil
}
