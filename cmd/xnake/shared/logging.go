package shared

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// SetupLogger builds the process logger. With a log file set, output goes to
// the file instead of stderr; the returned closer is a no-op otherwise.
func SetupLogger(level, file string, debug bool) (*log.Logger, func(), error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if debug {
		lvl = log.DebugLevel
	}

	var out io.Writer = os.Stderr
	closer := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = func() { f.Close() }
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
	})
	return logger, closer, nil
}
