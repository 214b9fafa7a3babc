package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logger"
	"github.com/shaunagostinho/groundstation/internal/logging"
	"github.com/shaunagostinho/groundstation/internal/store"
)

// Config holds all ground station configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link
	Serial SerialConfig `yaml:"serial" toml:"serial" json:"serial"`

	// Team filter and playback target
	Team TeamConfig `yaml:"team" toml:"team" json:"team"`

	// Command playback
	Uplink UplinkConfig `yaml:"uplink" toml:"uplink" json:"uplink"`

	// Per-connection CSV flight log
	FlightLog logger.Config `yaml:"flight_log" toml:"flight_log" json:"flightLog"`

	// CSV exports
	Export ExportConfig `yaml:"export" toml:"export" json:"export"`

	// Time-series storage
	Storage StorageConfig `yaml:"storage" toml:"storage" json:"storage"`

	// Server
	Server ServerConfig `yaml:"server" toml:"server" json:"server"`

	// Process logging
	Log logging.Config `yaml:"log" toml:"log" json:"log"`

	path string // file path for save/load
}

type SerialConfig struct {
	Device        string `yaml:"device" toml:"device" json:"device"` // e.g. /dev/ttyUSB0, or "demo"
	Baud          int    `yaml:"baud" toml:"baud" json:"baud"`
	MaxFrameBytes int    `yaml:"max_frame_bytes" toml:"max_frame_bytes" json:"maxFrameBytes"`
	Demo          bool   `yaml:"demo" toml:"demo" json:"demo"` // expose the simulated CanSat
}

type TeamConfig struct {
	ID     int   `yaml:"id" toml:"id" json:"id"`
	Accept []int `yaml:"accept" toml:"accept" json:"accept"` // additional ids let through
}

type UplinkConfig struct {
	IntervalMs int `yaml:"interval_ms" toml:"interval_ms" json:"intervalMs"` // spacing of playback commands
}

type ExportConfig struct {
	Dir string `yaml:"dir" toml:"dir" json:"dir"` // base for relative export paths
}

type StorageConfig struct {
	Greptime store.Config `yaml:"greptime" toml:"greptime" json:"greptime"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Baud:          115200,
			MaxFrameBytes: link.DefaultMaxFrame,
		},
		Uplink: UplinkConfig{
			IntervalMs: 1000,
		},
		FlightLog: logger.Config{
			Enabled: true,
			Dir:     logger.DefaultDir(),
		},
		Export: ExportConfig{
			Dir: ".",
		},
		Storage: StorageConfig{
			Greptime: store.Config{
				Port:            4001,
				Database:        "public",
				BatchSize:       50,
				FlushIntervalMs: 1000,
				QueueSize:       1024,
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Log: logging.Config{
			Level: "info",
		},
	}
}

// LoadConfig reads config from a YAML or TOML file (by extension), then
// applies .env and environment variable overrides. Falls back to defaults
// if the file is missing or unreadable. The merged result is validated.
func LoadConfig(path string) (*Config, error) {
	log := logging.Component("config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := decodeFile(path, data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("loaded config")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decodeFile(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log := logging.Component("config")
	log.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GS_DEVICE, GS_BAUD, GS_DEMO, GS_TEAM_ID, GS_TEAM_ACCEPT,
// GS_UPLINK_INTERVAL_MS, GS_LISTEN_ADDR, GS_FLIGHT_LOG, GS_FLIGHT_LOG_DIR,
// GS_EXPORT_DIR, GS_GREPTIME_HOST, GS_GREPTIME_PORT, GS_GREPTIME_DB,
// GS_GREPTIME_USER, GS_GREPTIME_PASSWORD, GS_LOG_LEVEL, GS_LOG_PRETTY
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GS_DEVICE"); v != "" {
		c.Serial.Device = v
	}
	if v := os.Getenv("GS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = n
		}
	}
	if v := os.Getenv("GS_DEMO"); v != "" {
		c.Serial.Demo = truthy(v)
	}
	if v := os.Getenv("GS_TEAM_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Team.ID = n
		}
	}
	if v := os.Getenv("GS_TEAM_ACCEPT"); v != "" {
		var ids []int
		for _, f := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(f)); err == nil {
				ids = append(ids, n)
			}
		}
		c.Team.Accept = ids
	}
	if v := os.Getenv("GS_UPLINK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Uplink.IntervalMs = n
		}
	}
	if v := os.Getenv("GS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Flight log
	if v := os.Getenv("GS_FLIGHT_LOG"); v != "" {
		c.FlightLog.Enabled = truthy(v)
	}
	if v := os.Getenv("GS_FLIGHT_LOG_DIR"); v != "" {
		c.FlightLog.Dir = v
	}
	if v := os.Getenv("GS_EXPORT_DIR"); v != "" {
		c.Export.Dir = v
	}
	// GreptimeDB
	if v := os.Getenv("GS_GREPTIME_HOST"); v != "" {
		c.Storage.Greptime.Host = v
	}
	if v := os.Getenv("GS_GREPTIME_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Storage.Greptime.Port = n
		}
	}
	if v := os.Getenv("GS_GREPTIME_DB"); v != "" {
		c.Storage.Greptime.Database = v
	}
	if v := os.Getenv("GS_GREPTIME_USER"); v != "" {
		c.Storage.Greptime.Username = v
	}
	if v := os.Getenv("GS_GREPTIME_PASSWORD"); v != "" {
		c.Storage.Greptime.Password = v
	}
	if v := os.Getenv("GS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GS_LOG_PRETTY"); v != "" {
		c.Log.Pretty = truthy(v)
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its file, in TOML when the path ends in .toml.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	var data []byte
	if isTOML(c.path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The merged config is validated before it
// replaces the current one.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}

	// Validate a scratch copy first so a bad patch leaves c untouched
	next := DefaultConfig()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validate(next); err != nil {
		return err
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// Snapshot is a lock-free copy of the settings the station is built from.
type Snapshot struct {
	Serial    SerialConfig
	Team      TeamConfig
	Uplink    UplinkConfig
	FlightLog logger.Config
	Export    ExportConfig
	Storage   StorageConfig
	Server    ServerConfig
	Log       logging.Config
}

// Snapshot copies the current settings.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Serial:    c.Serial,
		Team:      TeamConfig{ID: c.Team.ID, Accept: append([]int(nil), c.Team.Accept...)},
		Uplink:    c.Uplink,
		FlightLog: c.FlightLog,
		Export:    c.Export,
		Storage:   c.Storage,
		Server:    c.Server,
		Log:       c.Log,
	}
}

// UplinkInterval returns the playback spacing as a duration.
func (s Snapshot) UplinkInterval() time.Duration {
	return time.Duration(s.Uplink.IntervalMs) * time.Millisecond
}
