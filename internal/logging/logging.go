// Package logging builds the process-wide zerolog.Logger used by every
// other package. Callers receive a logger as a constructor argument; no
// package in this module reaches for a global logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a logger. When pretty is true it writes human-readable console
// output (for local development); otherwise it writes newline-delimited
// JSON suitable for a log-shipping sidecar.
func New(pretty bool, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
