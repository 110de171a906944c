package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a logger writing through t so output lands with the
// failing test.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}
