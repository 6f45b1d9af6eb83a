package main

import (
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/SuperSonnix71/Xnake/cmd/xnake/shared"
	"github.com/SuperSonnix71/Xnake/internal/watch"
)

// WatchCmd attaches the operations dashboard to a running server.
type WatchCmd struct {
	Addr    string `kong:"default='http://127.0.0.1:8080',help='Server base URL'"`
	NoColor bool   `kong:"help='Disable colored output'"`
	LogFile string `kong:"help='Write dashboard logs to a file (the TUI owns the terminal)'"`
}

func (c *WatchCmd) Run() error {
	// Logs cannot share the terminal with the dashboard.
	var out io.Writer = io.Discard
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	logger := log.New(out)

	ctx, stop := shared.SetupSignalHandler(logger)
	defer stop()

	return watch.Run(ctx, logger, watch.Options{
		BaseURL: c.Addr,
		NoColor: c.NoColor,
	})
}
