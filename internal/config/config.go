// Package config loads the server configuration: built-in defaults, an
// optional HCL file on top, and a handful of environment overrides for the
// settings that differ between deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/SuperSonnix71/Xnake/internal/detect"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// Environment overrides recognized at boot.
const (
	EnvAddr          = "XNAKE_ADDR"
	EnvDataDir       = "XNAKE_DATA_DIR"
	EnvSessionSecret = "XNAKE_SESSION_SECRET"
	EnvConfigPath    = "XNAKE_CONFIG"
)

// Config is the complete server configuration.
type Config struct {
	Server    *ServerSettings    `hcl:"server,block"`
	Detection *DetectionSettings `hcl:"detection,block"`
	Training  *TrainingSettings  `hcl:"training,block"`
}

// ServerSettings contains the process-level configuration.
type ServerSettings struct {
	Address           string `hcl:"address,optional"`
	Port              int    `hcl:"port,optional"`
	LogLevel          string `hcl:"log_level,optional"`
	LogFile           string `hcl:"log_file,optional"`
	DataDir           string `hcl:"data_dir,optional"`
	SessionSecret     string `hcl:"session_secret,optional"`
	RequestTimeoutSec int    `hcl:"request_timeout_sec,optional"`
}

// DetectionSettings tunes the rule chain, the rate limiter, and the session
// registry.
type DetectionSettings struct {
	ScoreTolerance     int     `hcl:"score_tolerance,optional"`
	ScoreToleranceFood int     `hcl:"score_tolerance_food,optional"`
	SpeedFloorLevel    int     `hcl:"speed_floor_level,optional"`
	SpeedFloorFactor   float64 `hcl:"speed_floor_factor,optional"`
	PauseGapMS         int64   `hcl:"pause_gap_ms,optional"`
	AllowedPauseGaps   int     `hcl:"allowed_pause_gaps,optional"`
	BotMinScore        int     `hcl:"bot_min_score,optional"`
	BotMovesPerFood    float64 `hcl:"bot_moves_per_food,optional"`
	HeartbeatMinScore  int     `hcl:"heartbeat_min_score,optional"`
	HeartbeatBandMS    float64 `hcl:"heartbeat_band_ms,optional"`
	HeartbeatBandFrac  float64 `hcl:"heartbeat_band_frac,optional"`
	ClockDriftMS       int64   `hcl:"clock_drift_ms,optional"`
	MinMSPerFrame      float64 `hcl:"min_ms_per_frame,optional"`
	MaxMSPerFrame      float64 `hcl:"max_ms_per_frame,optional"`

	RateLimit       int `hcl:"rate_limit,optional"`
	RateWindowSec   int `hcl:"rate_window_sec,optional"`
	SessionTTLMin   int `hcl:"session_ttl_min,optional"`
	SessionSweepMin int `hcl:"session_sweep_min,optional"`
}

// TrainingSettings tunes the ML pipeline, the retraining worker, and the
// scheduler.
type TrainingSettings struct {
	MinSamples            int     `hcl:"min_samples,optional"`
	SyntheticPerArchetype int     `hcl:"synthetic_per_archetype,optional"`
	Epochs                int     `hcl:"epochs,optional"`
	BatchSize             int     `hcl:"batch_size,optional"`
	LearningRate          float64 `hcl:"learning_rate,optional"`
	Dropout               float64 `hcl:"dropout,optional"`
	ValidationFraction    float64 `hcl:"validation_fraction,optional"`

	DebounceMin      int     `hcl:"debounce_min,optional"`
	MaxRegression    float64 `hcl:"max_regression,optional"`
	SchedulerPeriodM int     `hcl:"scheduler_period_min,optional"`
	EdgeThreshold    int64   `hcl:"edge_threshold,optional"`
	CooldownMin      int     `hcl:"cooldown_min,optional"`
	InferenceSlots   int64   `hcl:"inference_slots,optional"`
}

// Default returns the production defaults.
func Default() *Config {
	dc := detect.DefaultConfig()
	tc := train.DefaultConfig()
	wc := train.DefaultWorkerConfig()
	sc := train.DefaultSchedulerConfig()
	return &Config{
		Server: &ServerSettings{
			Address:           "0.0.0.0",
			Port:              8080,
			LogLevel:          "info",
			DataDir:           "data",
			RequestTimeoutSec: 5,
		},
		Detection: &DetectionSettings{
			ScoreTolerance:     dc.ScoreTolerance,
			ScoreToleranceFood: dc.ScoreToleranceFood,
			SpeedFloorLevel:    dc.SpeedFloorLevel,
			SpeedFloorFactor:   dc.SpeedFloorFactor,
			PauseGapMS:         dc.PauseGapMS,
			AllowedPauseGaps:   dc.AllowedPauseGaps,
			BotMinScore:        dc.BotMinScore,
			BotMovesPerFood:    dc.BotMovesPerFood,
			HeartbeatMinScore:  dc.HeartbeatMinScore,
			HeartbeatBandMS:    dc.HeartbeatBandMS,
			HeartbeatBandFrac:  dc.HeartbeatBandFrac,
			ClockDriftMS:       dc.ClockDriftMS,
			MinMSPerFrame:      dc.MinMSPerFrame,
			MaxMSPerFrame:      dc.MaxMSPerFrame,
			RateLimit:          10,
			RateWindowSec:      60,
			SessionTTLMin:      30,
			SessionSweepMin:    5,
		},
		Training: &TrainingSettings{
			MinSamples:            tc.MinSamples,
			SyntheticPerArchetype: tc.SyntheticPerArchetype,
			Epochs:                tc.Epochs,
			BatchSize:             tc.BatchSize,
			LearningRate:          tc.LearningRate,
			Dropout:               tc.Dropout,
			ValidationFraction:    tc.ValidationFraction,
			DebounceMin:           int(wc.Debounce / time.Minute),
			MaxRegression:         wc.MaxRegression,
			SchedulerPeriodM:      int(sc.Period / time.Minute),
			EdgeThreshold:         sc.Threshold,
			CooldownMin:           int(sc.Cooldown / time.Minute),
			InferenceSlots:        4,
		},
	}
}

// Load reads the config file (when it exists), layers it over the defaults,
// and applies environment overrides. An empty path means defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			parser := hclparse.NewParser()
			file, diags := parser.ParseHCLFile(path)
			if diags.HasErrors() {
				return nil, fmt.Errorf("config: parse %s: %s", path, diags.Error())
			}
			var loaded Config
			if diags := gohcl.DecodeBody(file.Body, nil, &loaded); diags.HasErrors() {
				return nil, fmt.Errorf("config: decode %s: %s", path, diags.Error())
			}
			cfg.merge(&loaded)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays non-zero file values onto the defaults, block by block.
func (c *Config) merge(o *Config) {
	if o.Server != nil {
		mergeServer(c.Server, o.Server)
	}
	if o.Detection != nil {
		mergeDetection(c.Detection, o.Detection)
	}
	if o.Training != nil {
		mergeTraining(c.Training, o.Training)
	}
}

func mergeServer(dst, src *ServerSettings) {
	setString(&dst.Address, src.Address)
	setInt(&dst.Port, src.Port)
	setString(&dst.LogLevel, src.LogLevel)
	setString(&dst.LogFile, src.LogFile)
	setString(&dst.DataDir, src.DataDir)
	setString(&dst.SessionSecret, src.SessionSecret)
	setInt(&dst.RequestTimeoutSec, src.RequestTimeoutSec)
}

func mergeDetection(dst, src *DetectionSettings) {
	setInt(&dst.ScoreTolerance, src.ScoreTolerance)
	setInt(&dst.ScoreToleranceFood, src.ScoreToleranceFood)
	setInt(&dst.SpeedFloorLevel, src.SpeedFloorLevel)
	setFloat(&dst.SpeedFloorFactor, src.SpeedFloorFactor)
	setInt64(&dst.PauseGapMS, src.PauseGapMS)
	setInt(&dst.AllowedPauseGaps, src.AllowedPauseGaps)
	setInt(&dst.BotMinScore, src.BotMinScore)
	setFloat(&dst.BotMovesPerFood, src.BotMovesPerFood)
	setInt(&dst.HeartbeatMinScore, src.HeartbeatMinScore)
	setFloat(&dst.HeartbeatBandMS, src.HeartbeatBandMS)
	setFloat(&dst.HeartbeatBandFrac, src.HeartbeatBandFrac)
	setInt64(&dst.ClockDriftMS, src.ClockDriftMS)
	setFloat(&dst.MinMSPerFrame, src.MinMSPerFrame)
	setFloat(&dst.MaxMSPerFrame, src.MaxMSPerFrame)
	setInt(&dst.RateLimit, src.RateLimit)
	setInt(&dst.RateWindowSec, src.RateWindowSec)
	setInt(&dst.SessionTTLMin, src.SessionTTLMin)
	setInt(&dst.SessionSweepMin, src.SessionSweepMin)
}

func mergeTraining(dst, src *TrainingSettings) {
	setInt(&dst.MinSamples, src.MinSamples)
	setInt(&dst.SyntheticPerArchetype, src.SyntheticPerArchetype)
	setInt(&dst.Epochs, src.Epochs)
	setInt(&dst.BatchSize, src.BatchSize)
	setFloat(&dst.LearningRate, src.LearningRate)
	setFloat(&dst.Dropout, src.Dropout)
	setFloat(&dst.ValidationFraction, src.ValidationFraction)
	setInt(&dst.DebounceMin, src.DebounceMin)
	setFloat(&dst.MaxRegression, src.MaxRegression)
	setInt(&dst.SchedulerPeriodM, src.SchedulerPeriodM)
	setInt64(&dst.EdgeThreshold, src.EdgeThreshold)
	setInt(&dst.CooldownMin, src.CooldownMin)
	setInt64(&dst.InferenceSlots, src.InferenceSlots)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setInt64(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

// applyEnv layers the environment overrides on top of file values.
func (c *Config) applyEnv() {
	if addr := os.Getenv(EnvAddr); addr != "" {
		host, port, ok := splitAddr(addr)
		if ok {
			c.Server.Address = host
			c.Server.Port = port
		}
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		c.Server.DataDir = dir
	}
	if secret := os.Getenv(EnvSessionSecret); secret != "" {
		c.Server.SessionSecret = secret
	}
}

// splitAddr parses "host:port"; a bare ":8080" keeps the default host.
func splitAddr(addr string) (string, int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, false
	}
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, false
	}
	host := addr[:idx]
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, true
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("config: data_dir must be set")
	}
	if c.Detection.RateLimit < 1 {
		return fmt.Errorf("config: rate_limit must be positive")
	}
	if c.Detection.SessionTTLMin < 1 {
		return fmt.Errorf("config: session_ttl_min must be positive")
	}
	if c.Detection.BotMovesPerFood <= 0 {
		return fmt.Errorf("config: bot_moves_per_food must be positive")
	}
	if c.Detection.MinMSPerFrame >= c.Detection.MaxMSPerFrame {
		return fmt.Errorf("config: min_ms_per_frame must be below max_ms_per_frame")
	}
	if c.Training.Epochs < 1 || c.Training.BatchSize < 1 {
		return fmt.Errorf("config: epochs and batch_size must be positive")
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("config: learning_rate must be positive")
	}
	if c.Training.Dropout < 0 || c.Training.Dropout >= 1 {
		return fmt.Errorf("config: dropout must be in [0,1)")
	}
	if c.Training.ValidationFraction <= 0 || c.Training.ValidationFraction >= 1 {
		return fmt.Errorf("config: validation_fraction must be in (0,1)")
	}
	if c.Training.MaxRegression < 0 {
		return fmt.Errorf("config: max_regression must not be negative")
	}
	return nil
}

// ListenAddr returns the address the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

// RequestTimeout returns the per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// DetectConfig maps the detection block onto the rule-chain thresholds.
func (c *Config) DetectConfig() detect.Config {
	d := c.Detection
	return detect.Config{
		ScoreTolerance:     d.ScoreTolerance,
		ScoreToleranceFood: d.ScoreToleranceFood,
		SpeedFloorLevel:    d.SpeedFloorLevel,
		SpeedFloorFactor:   d.SpeedFloorFactor,
		PauseGapMS:         d.PauseGapMS,
		AllowedPauseGaps:   d.AllowedPauseGaps,
		BotMinScore:        d.BotMinScore,
		BotMovesPerFood:    d.BotMovesPerFood,
		HeartbeatMinScore:  d.HeartbeatMinScore,
		HeartbeatBandMS:    d.HeartbeatBandMS,
		HeartbeatBandFrac:  d.HeartbeatBandFrac,
		ClockDriftMS:       d.ClockDriftMS,
		MinMSPerFrame:      d.MinMSPerFrame,
		MaxMSPerFrame:      d.MaxMSPerFrame,
	}
}

// RateWindow, SessionTTL, and SessionSweep expose the duration-typed
// detection settings.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Detection.RateWindowSec) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Detection.SessionTTLMin) * time.Minute
}

func (c *Config) SessionSweep() time.Duration {
	return time.Duration(c.Detection.SessionSweepMin) * time.Minute
}

// TrainerConfig maps the training block onto the pipeline parameters.
func (c *Config) TrainerConfig() train.Config {
	t := c.Training
	return train.Config{
		MinSamples:            t.MinSamples,
		SyntheticPerArchetype: t.SyntheticPerArchetype,
		Epochs:                t.Epochs,
		BatchSize:             t.BatchSize,
		LearningRate:          t.LearningRate,
		Dropout:               t.Dropout,
		ValidationFraction:    t.ValidationFraction,
	}
}

// WorkerConfig maps the training block onto the retraining worker.
func (c *Config) WorkerConfig() train.WorkerConfig {
	return train.WorkerConfig{
		Debounce:      time.Duration(c.Training.DebounceMin) * time.Minute,
		MaxRegression: c.Training.MaxRegression,
	}
}

// SchedulerConfig maps the training block onto the scheduler.
func (c *Config) SchedulerConfig() train.SchedulerConfig {
	return train.SchedulerConfig{
		Period:    time.Duration(c.Training.SchedulerPeriodM) * time.Minute,
		Threshold: c.Training.EdgeThreshold,
		Cooldown:  time.Duration(c.Training.CooldownMin) * time.Minute,
	}
}
