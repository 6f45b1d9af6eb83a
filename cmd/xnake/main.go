package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Serve   ServeCmd         `cmd:"" help:"Run the anti-cheat server"`
	Train   TrainCmd         `cmd:"" help:"Run one offline training pass over the sample store"`
	Dataset DatasetCmd       `cmd:"" help:"Export the training dataset, optionally with synthetic games"`
	Replay  ReplayCmd        `cmd:"" help:"Re-simulate a recorded submission and verify its claim"`
	Watch   WatchCmd         `cmd:"" help:"Live operations dashboard for a running server"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("xnake"),
		kong.Description("Server-side anti-cheat pipeline for grid snake"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
