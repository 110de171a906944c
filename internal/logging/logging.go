// Package logging configures the process-wide zerolog setup.
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "LANLINK_LOG_LEVEL"
	EnvLogNoColor = "LANLINK_LOG_NOCOLOR"
)

var configureOnce sync.Once

// New builds the root logger for the named app, honoring env
// overrides. Engines derive component loggers from it.
func New(app string) zerolog.Logger {
	configureOnce.Do(func() {
		zerolog.SetGlobalLevel(levelFromEnv())
	})
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    noColorFromEnv(),
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Logger()
}

func levelFromEnv() zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogLevel))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func noColorFromEnv() bool {
	raw := strings.TrimSpace(os.Getenv(EnvLogNoColor))
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return v
}
