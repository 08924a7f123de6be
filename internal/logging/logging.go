// Package logging configures the process logger and owns the per-invocation
// session log sink.
package logging

import (
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup installs the global slog logger backed by charmbracelet/log.
// Interactive terminals get colored text; anything else (CI, pipes, the
// watch loop under a supervisor) gets JSON.
func Setup(verbose bool) {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		handler.SetFormatter(charmlog.JSONFormatter)
	}
	slog.SetDefault(slog.New(handler))
}
