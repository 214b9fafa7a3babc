// Package station wires the serial link, decoder, history, flight log and
// command uplink into the operations the remote API exposes.
package station

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/dispatch"
	"github.com/shaunagostinho/groundstation/internal/history"
	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logger"
	"github.com/shaunagostinho/groundstation/internal/logging"
	"github.com/shaunagostinho/groundstation/internal/store"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
	"github.com/shaunagostinho/groundstation/internal/uplink"
)

// Live event names besides dispatch.EventGraphData.
const (
	EventConnectionState = "connection-state"
	EventPlayback        = "playback"
)

// Config holds station settings.
type Config struct {
	TeamID         int
	Accept         []int // extra team ids let through the filter
	Link           link.Config
	UplinkInterval time.Duration
	FlightLog      logger.Config
	ExportDir      string
}

// statsSink is a sink that reports its own counters.
type statsSink interface {
	Name() string
	Stats() store.Stats
}

// Station owns every component of one ground station.
type Station struct {
	log zerolog.Logger
	pub dispatch.Publisher

	manager    *link.Manager
	decoder    *telemetry.Decoder
	history    *history.History
	dispatcher *dispatch.Dispatcher
	uplink     *uplink.Uplink
	flight     *logger.Logger
	sinks      []dispatch.Sink

	mu        sync.RWMutex
	teamID    int
	accept    []int
	exportDir string
}

// New builds a Station. pub receives live events and may be nil.
func New(cfg Config, pub dispatch.Publisher, sinks ...dispatch.Sink) *Station {
	s := &Station{
		log:       logging.Component("station"),
		pub:       pub,
		history:   history.New(),
		exportDir: cfg.ExportDir,
		sinks:     sinks,
	}

	s.decoder = telemetry.NewDecoder(telemetry.NewFilter(), logging.Component("decoder"))
	s.flight = logger.New(cfg.FlightLog, logging.Component("flightlog"))
	s.dispatcher = dispatch.New(s.history, pub, s.flight, logging.Component("dispatch"), sinks...)

	linkCfg := cfg.Link
	if linkCfg.DemoTeamID == 0 {
		linkCfg.DemoTeamID = cfg.TeamID
	}
	s.manager = link.NewManager(linkCfg, s, logging.Component("link"))

	s.uplink = uplink.New(s.manager, uplink.Config{
		Interval: cfg.UplinkInterval,
		TeamID:   cfg.TeamID,
		Progress: func(p uplink.Progress) { s.publish(EventPlayback, p) },
	}, logging.Component("uplink"))

	s.SetTeam(cfg.TeamID, cfg.Accept)
	return s
}

// Run forwards connection state changes as live events until ctx is done,
// then closes the active connection.
func (s *Station) Run(ctx context.Context) error {
	changes, cancel := s.manager.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case change := <-changes:
			s.publish(EventConnectionState, change)
		}
	}
}

// Close stops playback and disconnects.
func (s *Station) Close() {
	s.uplink.StopPlayback()
	if err := s.manager.Disconnect(); err == nil {
		s.log.Info().Msg("closed active connection")
	}
}

func (s *Station) publish(event string, payload any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(event, payload); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("publish failed")
	}
}

// Begin implements link.Pipeline.
func (s *Station) Begin(conn *link.Connection) {
	s.dispatcher.Begin(conn.ID, conn.Opened)
}

// HandleFrame implements link.Pipeline.
func (s *Station) HandleFrame(conn *link.Connection, frame []byte) {
	for _, rec := range s.decoder.Decode(frame) {
		s.dispatcher.Dispatch(rec)
	}
}

// End implements link.Pipeline.
func (s *Station) End(conn *link.Connection, err error) {
	s.dispatcher.End(conn.ID, err)
}

// Enumerate lists available serial devices.
func (s *Station) Enumerate() []link.PortInfo {
	return s.manager.Enumerate()
}

// Connect opens device, replacing any active connection.
func (s *Station) Connect(device string, baud int) (*link.Connection, error) {
	return s.manager.Connect(device, baud)
}

// Disconnect closes the active connection.
func (s *Station) Disconnect() error {
	return s.manager.Disconnect()
}

// Send writes one command line to the device.
func (s *Station) Send(command string) error {
	return s.uplink.Send(command)
}

// Export writes the selected history to path. Relative paths resolve under
// the export directory; an empty path gets a timestamped name.
func (s *Station) Export(path string, sel history.Selection) (history.ExportResult, error) {
	s.mu.RLock()
	dir := s.exportDir
	s.mu.RUnlock()

	if path == "" {
		path = fmt.Sprintf("cansat_%s.csv", time.Now().Format("2006-01-02_150405"))
	}
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}

	res, err := s.history.Export(path, sel)
	if err != nil {
		return res, err
	}
	s.log.Info().Str("path", res.Path).Int("rows", res.Rows).Str("selection", sel.String()).Msg("exported history")
	return res, nil
}

// StartRecording opens a recording session on the active connection.
func (s *Station) StartRecording() (history.Session, error) {
	if s.manager.Active() == nil {
		return history.Session{}, link.ErrNotConnected
	}
	sess := s.history.StartRecording()
	s.log.Info().Str("session", sess.ID).Int("start", sess.Start).Msg("recording started")
	return sess, nil
}

// StopRecording closes the open recording session.
func (s *Station) StopRecording() (history.Session, error) {
	sess, err := s.history.StopRecording()
	if err != nil {
		return sess, err
	}
	s.log.Info().Str("session", sess.ID).Int("records", sess.End-sess.Start).Msg("recording stopped")
	return sess, nil
}

// LoadPlaybackScript loads the pressure script at path.
func (s *Station) LoadPlaybackScript(path string) (int, error) {
	return s.uplink.LoadScript(path)
}

// StartPlayback runs the loaded script; ctx bounds its lifetime.
func (s *Station) StartPlayback(ctx context.Context) error {
	return s.uplink.StartPlayback(ctx)
}

// StopPlayback aborts a running playback.
func (s *Station) StopPlayback() bool {
	return s.uplink.StopPlayback()
}

// SetTeam changes the target team id and the accepted ids.
func (s *Station) SetTeam(id int, accept []int) {
	s.mu.Lock()
	s.teamID = id
	s.accept = append([]int(nil), accept...)
	s.mu.Unlock()

	s.decoder.Filter().Set(append([]int{id}, accept...)...)
	s.uplink.SetTarget(id)
}

// SetExportDir changes where relative export paths resolve.
func (s *Station) SetExportDir(dir string) {
	s.mu.Lock()
	s.exportDir = dir
	s.mu.Unlock()
}

// SetFlightLog toggles the flight log for subsequent connections.
func (s *Station) SetFlightLog(on bool) {
	s.flight.SetEnabled(on)
}

// ConnectionInfo describes the active connection.
type ConnectionInfo struct {
	ID     string    `json:"id"`
	Device string    `json:"device"`
	Baud   int       `json:"baud"`
	Opened time.Time `json:"opened"`
}

// Status is a point-in-time view of the station.
type Status struct {
	State      link.State             `json:"state"`
	Connection *ConnectionInfo        `json:"connection,omitempty"`
	Records    int                    `json:"records"`
	Recording  *history.Session       `json:"recording,omitempty"`
	Sessions   int                    `json:"sessions"`
	TeamID     int                    `json:"teamId"`
	Accept     []int                  `json:"accept,omitempty"`
	FlightLog  string                 `json:"flightLog,omitempty"`
	Decoder    telemetry.Stats        `json:"decoder"`
	Dispatch   dispatch.Stats         `json:"dispatch"`
	Playback   uplink.Status          `json:"playback"`
	Sinks      map[string]store.Stats `json:"sinks,omitempty"`
}

// Status reports the current state of every component.
func (s *Station) Status() Status {
	s.mu.RLock()
	team, accept := s.teamID, append([]int(nil), s.accept...)
	s.mu.RUnlock()

	st := Status{
		State:     s.manager.State(),
		Records:   s.history.Len(),
		Sessions:  len(s.history.Sessions()),
		TeamID:    team,
		Accept:    accept,
		FlightLog: s.flight.Path(),
		Decoder:   s.decoder.Stats(),
		Dispatch:  s.dispatcher.Stats(),
		Playback:  s.uplink.Status(),
	}
	if c := s.manager.Active(); c != nil {
		st.Connection = &ConnectionInfo{ID: c.ID, Device: c.Device, Baud: c.Baud, Opened: c.Opened}
	}
	if sess, ok := s.history.Recording(); ok {
		st.Recording = &sess
	}
	for _, sink := range s.sinks {
		if r, ok := sink.(statsSink); ok {
			if st.Sinks == nil {
				st.Sinks = make(map[string]store.Stats)
			}
			st.Sinks[r.Name()] = r.Stats()
		}
	}
	return st
}
