package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/SuperSonnix71/Xnake/cmd/xnake/shared"
	"github.com/SuperSonnix71/Xnake/internal/anticheat"
	"github.com/SuperSonnix71/Xnake/internal/config"
	"github.com/SuperSonnix71/Xnake/internal/detect"
	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/httpapi"
	"github.com/SuperSonnix71/Xnake/internal/identity"
	"github.com/SuperSonnix71/Xnake/internal/ml"
	"github.com/SuperSonnix71/Xnake/internal/ratelimit"
	"github.com/SuperSonnix71/Xnake/internal/session"
	"github.com/SuperSonnix71/Xnake/internal/snake"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// Background maintenance intervals.
const (
	flushInterval   = 30 * time.Second
	limiterSweep    = time.Minute
	limiterEntryAge = time.Hour
)

// ServeCmd runs the anti-cheat server.
type ServeCmd struct {
	Config string `kong:"short='c',env='XNAKE_CONFIG',help='Path to HCL config file'"`
	Addr   string `kong:"help='Listen address override (host:port)'"`
	Debug  bool   `kong:"help='Enable debug logging'"`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		if err := overrideAddr(cfg, c.Addr); err != nil {
			return err
		}
	}

	logger, closeLog, err := shared.SetupLogger(cfg.Server.LogLevel, cfg.Server.LogFile, c.Debug)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Server.SessionSecret == "" {
		logger.Warn("no session secret configured, player keys are unkeyed hashes")
	}

	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	clock := quartz.NewReal()
	bus := events.NewBus(logger)

	leaderboard, err := store.NewLeaderboard(logger, clock, filepath.Join(dataDir, "leaderboard.json"))
	if err != nil {
		return err
	}
	cheaters, err := store.NewCheaters(logger, clock, filepath.Join(dataDir, "cheaters.json"))
	if err != nil {
		return err
	}
	samples, err := store.NewSamples(logger, clock, filepath.Join(dataDir, "training_samples.jsonl"))
	if err != nil {
		return err
	}
	trainLog, err := store.NewAppender(logger.WithPrefix("trainlog"), clock, filepath.Join(dataDir, "training_log.jsonl"))
	if err != nil {
		return err
	}
	edgeLog, err := store.NewAppender(logger.WithPrefix("edgelog"), clock, filepath.Join(dataDir, "edge_cases.jsonl"))
	if err != nil {
		return err
	}

	registry, err := ml.NewRegistry(logger, filepath.Join(dataDir, "models"))
	if err != nil {
		return err
	}
	predictor := ml.NewPredictor(logger)
	if bundle, err := registry.LoadActive(); err != nil {
		logger.Error("loading active model failed, starting without one", "err", err)
	} else if bundle != nil {
		predictor.Publish(bundle)
	}

	trainer := train.NewTrainer(logger, cfg.TrainerConfig())
	worker := train.NewWorker(logger, clock, cfg.WorkerConfig(), trainer,
		samples, registry, predictor, trainLog, bus)
	scheduler := train.NewScheduler(logger, clock, cfg.SchedulerConfig(), edgeLog, worker)

	sessions := session.NewRegistry(logger, clock, cfg.SessionTTL())
	limiter := ratelimit.New(logger, clock, cfg.Detection.RateLimit, cfg.RateWindow(), limiterEntryAge)
	engine := snake.NewEngine(snake.DefaultConfig())

	orch := anticheat.NewOrchestrator(logger, anticheat.Deps{
		Clock:          clock,
		Deriver:        identity.NewDeriver(cfg.Server.SessionSecret),
		Limiter:        limiter,
		Sessions:       sessions,
		Chain:          detect.NewChain(logger, cfg.DetectConfig(), engine),
		Predictor:      predictor,
		Arbiter:        anticheat.NewArbiter(logger, clock, edgeLog, bus),
		Leaderboard:    leaderboard,
		Cheaters:       cheaters,
		Samples:        samples,
		Retrainer:      worker,
		Bus:            bus,
		InferenceSlots: cfg.Training.InferenceSlots,
	})

	server := httpapi.NewServer(logger, cfg.ListenAddr(), cfg.RequestTimeout(), httpapi.Deps{
		Orchestrator: orch,
		Leaderboard:  leaderboard,
		Cheaters:     cheaters,
		Samples:      samples,
		Registry:     registry,
		Predictor:    predictor,
		Worker:       worker,
		TrainLog:     trainLog,
		EdgeLog:      edgeLog,
		Bus:          bus,
	})

	ctx, stop := shared.SetupSignalHandler(logger)
	defer stop()

	logger.Info("starting server",
		"addr", cfg.ListenAddr(), "data_dir", dataDir,
		"model", activeVersionOrNone(registry))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error { return sessions.Run(ctx, cfg.SessionSweep()) })
	g.Go(func() error { return limiter.Run(ctx, limiterSweep) })
	g.Go(func() error { return leaderboard.Run(ctx, flushInterval) })
	g.Go(func() error { return cheaters.Run(ctx, flushInterval) })
	g.Go(func() error { return samples.Run(ctx, flushInterval) })
	g.Go(func() error { return trainLog.Run(ctx, flushInterval) })
	g.Go(func() error { return edgeLog.Run(ctx, flushInterval) })

	err = g.Wait()
	flushAll(logger, leaderboard, cheaters, samples, trainLog, edgeLog)
	logger.Info("shutdown complete")
	return err
}

type flusher interface{ Flush() error }

func flushAll(logger *log.Logger, stores ...flusher) {
	for _, s := range stores {
		if err := s.Flush(); err != nil {
			logger.Error("final flush failed", "err", err)
		}
	}
}

func activeVersionOrNone(registry *ml.Registry) string {
	if v, ok := registry.ActiveVersion(); ok {
		return v
	}
	return "none"
}

// overrideAddr applies the --addr flag on top of the loaded config.
func overrideAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid --addr port %q: %w", portStr, err)
	}
	if host != "" {
		cfg.Server.Address = host
	}
	cfg.Server.Port = port
	return cfg.Validate()
}
