package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger returns a debug level logger tagged with the test name. It
// writes to stdout rather than t.Log so goroutines that outlive the test
// can still log.
func TestLogger(t *testing.T) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}
	return zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Str("test", t.Name()).Logger()
}
