// Package logging centralizes zerolog setup. Teacher's own code logs with
// the standard library's log package; the rest of the example pack reaches
// for zerolog for structured, leveled logging, which is what this module
// follows throughout (see DESIGN.md).
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger: console-pretty output when
// attached to a terminal, plain JSON otherwise, at the given level (any of
// zerolog's level names; unrecognized values default to info).
func Init(levelName string) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out = os.Stderr
	if isTerminal(out) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
