// Package telemetry wires up zerolog the way both slipstream endpoints
// expect: console output on stderr, a level controlled by --log-level or
// the SLIPSTREAM_LOG environment variable.
package telemetry

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLevelOverride is consulted after the CLI flag; it lets an operator
// bump verbosity for a single run without touching the command line.
const EnvLevelOverride = "SLIPSTREAM_LOG"

// Init configures the global zerolog logger and level. level is one of
// debug/info/warn/error; an empty level falls back to the env override,
// then to info.
func Init(level string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if level == "" {
		level = os.Getenv(EnvLevelOverride)
	}

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "", "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return errInvalidLevel(level)
	}
	return nil
}

type errInvalidLevel string

func (e errInvalidLevel) Error() string {
	return "invalid log level: " + string(e)
}
