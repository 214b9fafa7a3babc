// Package store writes telemetry to a GreptimeDB time-series database.
package store

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// TableName is the table records are written to.
const TableName = "cansat_telemetry"

// Config holds GreptimeDB connection and batching settings.
type Config struct {
	Host            string `yaml:"host" toml:"host" json:"host"`
	Port            int    `yaml:"port" toml:"port" json:"port"`
	Database        string `yaml:"database" toml:"database" json:"database"`
	Username        string `yaml:"username" toml:"username" json:"username"`
	Password        string `yaml:"password" toml:"password" json:"-"`
	BatchSize       int    `yaml:"batch_size" toml:"batch_size" json:"batchSize"`
	FlushIntervalMs int    `yaml:"flush_interval_ms" toml:"flush_interval_ms" json:"flushIntervalMs"`
	QueueSize       int    `yaml:"queue_size" toml:"queue_size" json:"queueSize"`
}

// Enabled reports whether a host is configured.
func (c Config) Enabled() bool { return c.Host != "" }

// tableWriter is satisfied by *greptime.Client.
type tableWriter interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

type entry struct {
	rec telemetry.Record
	at  time.Time
}

// Greptime queues records and writes them in batches. Submit never blocks;
// records arriving while the queue is full are dropped and counted.
type Greptime struct {
	w     tableWriter
	cfg   Config
	log   zerolog.Logger
	queue chan entry

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewGreptime connects to the configured GreptimeDB.
func NewGreptime(cfg Config, log zerolog.Logger) (*Greptime, error) {
	cfg = withDefaults(cfg)
	gcfg := greptime.NewConfig(cfg.Host).
		WithPort(cfg.Port).
		WithDatabase(cfg.Database)
	if cfg.Username != "" {
		gcfg = gcfg.WithAuth(cfg.Username, cfg.Password)
	}
	cli, err := greptime.NewClient(gcfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return newGreptime(cli, cfg, log), nil
}

func newGreptime(w tableWriter, cfg Config, log zerolog.Logger) *Greptime {
	cfg = withDefaults(cfg)
	return &Greptime{
		w:     w,
		cfg:   cfg,
		log:   log,
		queue: make(chan entry, cfg.QueueSize),
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 4001
	}
	if cfg.Database == "" {
		cfg.Database = "public"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushIntervalMs <= 0 {
		cfg.FlushIntervalMs = 1000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return cfg
}

// Submit queues r for the next batch.
func (g *Greptime) Submit(r telemetry.Record) {
	select {
	case g.queue <- entry{rec: r, at: time.Now()}:
	default:
		if g.dropped.Add(1)%100 == 1 {
			g.log.Warn().Uint64("dropped", g.dropped.Load()).Msg("queue full, dropping records")
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (g *Greptime) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(g.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	batch := make([]entry, 0, g.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-g.queue:
					batch = append(batch, e)
					continue
				default:
				}
				break
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.flush(flushCtx, batch)
			cancel()
			return nil
		case e := <-g.queue:
			batch = append(batch, e)
			if len(batch) >= g.cfg.BatchSize {
				g.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				g.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (g *Greptime) flush(ctx context.Context, batch []entry) {
	if len(batch) == 0 {
		return
	}
	tbl, err := buildTable(batch)
	if err != nil {
		g.failed.Add(uint64(len(batch)))
		g.log.Error().Err(err).Msg("build table")
		return
	}
	if _, err := g.w.Write(ctx, tbl); err != nil {
		g.failed.Add(uint64(len(batch)))
		g.log.Error().Err(err).Int("rows", len(batch)).Msg("write failed")
		return
	}
	g.written.Add(uint64(len(batch)))
	g.log.Debug().Int("rows", len(batch)).Msg("batch written")
}

func buildTable(batch []entry) (*table.Table, error) {
	tbl, err := table.New(TableName)
	if err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("team_id", types.STRING); err != nil {
		return nil, err
	}
	for _, c := range []struct {
		name string
		t    types.ColumnType
	}{
		{"packet_count", types.INT64},
		{"mode", types.STRING},
		{"state", types.STRING},
		{"altitude", types.FLOAT64},
		{"temperature", types.FLOAT64},
		{"pressure", types.FLOAT64},
		{"voltage", types.FLOAT64},
		{"gps_altitude", types.FLOAT64},
		{"gps_latitude", types.FLOAT64},
		{"gps_longitude", types.FLOAT64},
		{"gps_sats", types.INT64},
		{"tilt_x", types.FLOAT64},
		{"tilt_y", types.FLOAT64},
		{"cmd_echo", types.STRING},
	} {
		if err := tbl.AddFieldColumn(c.name, c.t); err != nil {
			return nil, err
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}

	for _, e := range batch {
		r := e.rec
		err := tbl.AddRow(
			strconv.Itoa(r.TeamID),
			int64(r.PacketCount),
			r.Mode,
			r.State,
			r.Altitude,
			r.Temperature,
			r.Pressure,
			r.Voltage,
			r.GPSAltitude,
			r.GPSLatitude,
			r.GPSLongitude,
			int64(r.GPSSats),
			r.TiltX,
			r.TiltY,
			r.CmdEcho,
			e.at,
		)
		if err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

// Stats counts sink outcomes.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Name identifies the sink in status reports.
func (g *Greptime) Name() string { return "greptime" }

func (g *Greptime) Stats() Stats {
	return Stats{
		Written: g.written.Load(),
		Dropped: g.dropped.Load(),
		Failed:  g.failed.Load(),
	}
}
