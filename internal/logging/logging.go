package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the log level and output format.
type Config struct {
	Level  string `yaml:"level" toml:"level" json:"level"`    // debug, info, warn, error
	Pretty bool   `yaml:"pretty" toml:"pretty" json:"pretty"` // console writer instead of JSON lines
}

// Init configures the global zerolog logger and returns it.
func Init(app string, cfg Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(out).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Component returns a sub-logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
