// Package logger constructs the process-wide zerolog logger.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug | info | warn | error
	Environment string // "development" enables console output
	ServiceName string
}

// New builds a zerolog.Logger writing JSON to stdout. In development the
// output is the human-readable console writer instead.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Environment == "development" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stdout)
	}

	log = log.Level(level).With().Timestamp().Logger()
	if cfg.ServiceName != "" {
		log = log.With().Str("service", cfg.ServiceName).Logger()
	}
	return log
}
