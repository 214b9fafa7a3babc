package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// Logger writes every accepted record of a connection to a timestamped CSV
// flight log, flushing after each row, with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	log     zerolog.Logger

	file    *os.File
	writer  *csv.Writer
	path    string
	rows    int
	maxRows int
	started time.Time
}

// Config holds flight log configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" toml:"dir" json:"dir"`
}

const (
	maxRowsPerFile = 100_000 // ~28 hrs at 1 Hz
)

// DefaultDir is the flight log directory under the user config dir.
func DefaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "groundstation", "flights")
}

// New creates a new Logger.
func New(cfg Config, log zerolog.Logger) *Logger {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir()
	}
	return &Logger{
		dir:     cfg.Dir,
		enabled: cfg.Enabled,
		log:     log,
		maxRows: maxRowsPerFile,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently written, or "".
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Open starts a new flight log named after now. A file still open is closed.
func (l *Logger) Open(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}
	l.started = now
	return l.rotateFile(now)
}

// Record appends r and flushes it to disk.
func (l *Logger) Record(r telemetry.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.writer == nil {
		return nil
	}

	if l.rows >= l.maxRows {
		if err := l.rotateFile(time.Now()); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	}

	if err := l.writer.Write(telemetry.Format(r)); err != nil {
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", l.path, err)
	}
	l.rows++
	return nil
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	path := filepath.Join(l.dir, fileName(now))
	if _, err := os.Stat(path); err == nil {
		// rotated within the same second
		path = filepath.Join(l.dir, fmt.Sprintf("flight_%s_%d.csv", now.Format("2006-01-02_150405"), now.UnixNano()))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.path = path
	l.writer = csv.NewWriter(f)
	l.writer.Comma = telemetry.Delimiter
	l.rows = 0

	if err := l.writer.Write(telemetry.Header); err != nil {
		return err
	}
	l.writer.Flush()

	l.log.Info().Str("path", path).Msg("opened flight log")
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.log.Warn().Err(err).Str("path", l.path).Msg("close flight log")
		}
		l.file = nil
		l.log.Info().Str("path", l.path).Dur("duration", time.Since(l.started)).Msg("closed flight log")
	}
	l.path = ""
}

// fileName is flight_<YYYY-MM-DD_HHMMSS>.csv for the given instant.
func fileName(t time.Time) string {
	return fmt.Sprintf("flight_%s.csv", t.Format("2006-01-02_150405"))
}
