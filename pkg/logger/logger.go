// Package logger builds the zerolog root logger for the advisor. It is
// constructed once in main and handed down; components bind their own
// service/repo/component fields with log.With().
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // human-readable console output for dev runs
}

// New builds the root logger. Unknown or empty levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

// SetGlobalLogger replaces zerolog's package-level logger so stray
// log.Logger calls share the configured output.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
