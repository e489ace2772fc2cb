package cliconfig

import (
	"os"

	"github.com/rs/zerolog"

	logAdapter "github.com/frlp-jornadas/certship/internal/adapters/log"
)

// Logger returns the operator logger writing to stderr.
func Logger(level, format string) zerolog.Logger {
	return logAdapter.New(os.Stderr, level, format)
}
