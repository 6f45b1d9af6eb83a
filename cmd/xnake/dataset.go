package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/gocarina/gocsv"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/SuperSonnix71/Xnake/cmd/xnake/shared"
	"github.com/SuperSonnix71/Xnake/internal/config"
	"github.com/SuperSonnix71/Xnake/internal/feature"
	"github.com/SuperSonnix71/Xnake/internal/store"
	"github.com/SuperSonnix71/Xnake/internal/train"
)

// DatasetCmd works with the labeled training dataset.
type DatasetCmd struct {
	Export DatasetExportCmd `cmd:"" help:"Export the sample store for offline analysis"`
	Synth  DatasetSynthCmd  `cmd:"" help:"Generate a seeded synthetic dataset"`
}

// DatasetExportCmd dumps the server's sample store.
type DatasetExportCmd struct {
	Config  string `kong:"short='c',env='XNAKE_CONFIG',help='Path to HCL config file'"`
	DataDir string `kong:"help='Data directory override'"`
	Out     string `kong:"short='o',default='dataset.csv',help='Output file'"`
	Format  string `kong:"default='csv',enum='csv,jsonl',help='Output format'"`
}

func (c *DatasetExportCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.DataDir != "" {
		cfg.Server.DataDir = c.DataDir
	}
	logger, closeLog, err := shared.SetupLogger(cfg.Server.LogLevel, "", false)
	if err != nil {
		return err
	}
	defer closeLog()

	samples, err := store.NewSamples(logger, quartz.NewReal(), filepath.Join(cfg.Server.DataDir, "training_samples.jsonl"))
	if err != nil {
		return err
	}
	all, err := samples.Snapshot()
	if err != nil {
		return err
	}
	return writeDataset(c.Out, c.Format, all)
}

// DatasetSynthCmd generates synthetic games without touching a data dir,
// using the same archetype generators the trainer augments with.
type DatasetSynthCmd struct {
	Out          string `kong:"short='o',default='synthetic.csv',help='Output file'"`
	Format       string `kong:"default='csv',enum='csv,jsonl',help='Output format'"`
	PerArchetype int    `kong:"default='40',help='Games to generate per archetype'"`
	Seed         int64  `kong:"default='1',help='Generation seed'"`
}

func (c *DatasetSynthCmd) Run() error {
	batch := train.NewGenerator(c.Seed).Batch(c.PerArchetype, time.Now())
	return writeDataset(c.Out, c.Format, batch)
}

// datasetRow flattens a sample for CSV export, one column per feature in
// vector order.
type datasetRow struct {
	ID        string  `csv:"id"`
	Time      string  `csv:"time"`
	PlayerKey string  `csv:"player_key"`
	Label     int     `csv:"label"`
	Kind      string  `csv:"kind"`
	Score     int     `csv:"score"`
	Synthetic bool    `csv:"synthetic"`
	F0        float64 `csv:"avg_time_between_moves"`
	F1        float64 `csv:"move_time_variance"`
	F2        float64 `csv:"moves_per_food"`
	F3        float64 `csv:"direction_entropy"`
	F4        float64 `csv:"heartbeat_consistency"`
	F5        float64 `csv:"score_rate"`
	F6        float64 `csv:"frame_timing_deviation"`
	F7        float64 `csv:"pause_gap_count"`
	F8        float64 `csv:"speed_progression"`
	F9        float64 `csv:"movement_burst_rate"`
	F10       float64 `csv:"performance_time_drift"`
	F11       float64 `csv:"avg_speed_per_food"`
}

func writeDataset(out, format string, all []store.Sample) error {
	usable := all[:0:0]
	synthetic := 0
	for _, s := range all {
		if len(s.Features) != feature.Count {
			continue
		}
		usable = append(usable, s)
		if s.Synthetic {
			synthetic++
		}
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case "jsonl":
		enc := json.NewEncoder(f)
		for i := range usable {
			if err := enc.Encode(&usable[i]); err != nil {
				return err
			}
		}
	default:
		rows := make([]datasetRow, 0, len(usable))
		for _, s := range usable {
			rows = append(rows, toRow(s))
		}
		if err := gocsv.MarshalFile(&rows, f); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	p.Printf("wrote %d samples to %s (%d real, %d synthetic)\n",
		len(usable), out, len(usable)-synthetic, synthetic)
	return nil
}

func toRow(s store.Sample) datasetRow {
	return datasetRow{
		ID:        s.ID,
		Time:      s.Time.UTC().Format(time.RFC3339),
		PlayerKey: s.PlayerKey,
		Label:     s.Label,
		Kind:      s.Kind,
		Score:     s.Score,
		Synthetic: s.Synthetic,
		F0:        s.Features[0],
		F1:        s.Features[1],
		F2:        s.Features[2],
		F3:        s.Features[3],
		F4:        s.Features[4],
		F5:        s.Features[5],
		F6:        s.Features[6],
		F7:        s.Features[7],
		F8:        s.Features[8],
		F9:        s.Features[9],
		F10:       s.Features[10],
		F11:       s.Features[11],
	}
}
