// Package logging builds the process-wide zerolog logger. Components derive
// scoped loggers from it with log.With().Str("component", ...).
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects output format and verbosity.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string `yaml:"level"`
	// Format is "json" or "console". Empty means json.
	Format string `yaml:"format"`
}

// New builds a logger writing to w. Pass os.Stderr in the daemon.
func New(cfg Config, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
		}
	}
	switch cfg.Format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: unknown format %q", cfg.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
