package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/history"
	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logging"
	"github.com/shaunagostinho/groundstation/internal/station"
	"github.com/shaunagostinho/groundstation/internal/uplink"
)

// EventConfig is broadcast after a config update.
const EventConfig = "config"

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Server exposes station operations over HTTP and live events over WebSocket.
type Server struct {
	cfg *Config
	st  *station.Station
	hub *Hub
	log zerolog.Logger

	ctxMu sync.RWMutex
	ctx   context.Context // lifetime of background work started by requests
}

// New creates a new Server.
func New(cfg *Config, st *station.Station, hub *Hub) *Server {
	return &Server{
		cfg: cfg,
		st:  st,
		hub: hub,
		log: logging.Component("server"),
		ctx: context.Background(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.Handle("/ws", s.hub)

	// Link
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/send", s.handleSend)

	// History
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)

	// Playback
	mux.HandleFunc("/api/playback/load", s.handlePlaybackLoad)
	mux.HandleFunc("/api/playback/start", s.handlePlaybackStart)
	mux.HandleFunc("/api/playback/stop", s.handlePlaybackStop)

	mux.HandleFunc("/api/status", s.handleStatus)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	addr := s.cfg.Snapshot().Server.ListenAddr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ports := s.st.Enumerate()
	if ports == nil {
		ports = []link.PortInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

type connectRequest struct {
	Device string `json:"device"`
	Baud   int    `json:"baud"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req connectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	serial := s.cfg.Snapshot().Serial
	if req.Device == "" {
		req.Device = serial.Device
	}
	if req.Baud == 0 {
		req.Baud = serial.Baud
	}

	conn, err := s.st.Connect(req.Device, req.Baud)
	if err != nil {
		s.fail(w, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"connectionId": conn.ID,
		"device":       conn.Device,
		"baud":         conn.Baud,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.st.Disconnect(); err != nil {
		s.fail(w, "disconnect", err)
		return
	}
	writeOK(w)
}

type sendRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is empty")
		return
	}
	if err := s.st.Send(req.Command); err != nil {
		s.fail(w, "send", err)
		return
	}
	writeOK(w)
}

type exportRequest struct {
	Path      string `json:"path"`
	Selection string `json:"selection"`
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sel, ok := history.ParseSelection(req.Selection)
	if !ok {
		writeError(w, http.StatusBadRequest, `selection must be "all" or "session"`)
		return
	}
	res, err := s.st.Export(req.Path, sel)
	if err != nil {
		s.fail(w, "export", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"path":   res.Path,
		"rows":   res.Rows,
		"digest": res.Digest,
	})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, err := s.st.StartRecording()
	if err != nil {
		s.fail(w, "start recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session": sess})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, err := s.st.StopRecording()
	if err != nil {
		s.fail(w, "stop recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session": sess})
}

type loadRequest struct {
	Path string `json:"path"`
}

func (s *Server) handlePlaybackLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req loadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is empty")
		return
	}
	n, err := s.st.LoadPlaybackScript(req.Path)
	if err != nil {
		s.fail(w, "load playback script", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": n})
}

func (s *Server) handlePlaybackStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.st.StartPlayback(s.baseContext()); err != nil {
		s.fail(w, "start playback", err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePlaybackStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stopped": s.st.StopPlayback()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"station":   s.st.Status(),
		"wsClients": s.hub.Clients(),
		"wsSkipped": s.hub.Skipped(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad request")
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		s.apply()

		// Broadcast updated config
		if data, err := s.cfg.ToJSON(); err == nil {
			var payload map[string]any
			if json.Unmarshal(data, &payload) == nil {
				s.hub.Publish(EventConfig, payload)
			}
		}
		writeOK(w)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// apply pushes the runtime-changeable settings into the station.
func (s *Server) apply() {
	snap := s.cfg.Snapshot()
	s.st.SetTeam(snap.Team.ID, snap.Team.Accept)
	s.st.SetExportDir(snap.Export.Dir)
	s.st.SetFlightLog(snap.FlightLog.Enabled)
}

// fail maps an operation error to a status code and logs server-side faults.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, link.ErrInvalidArgument),
		errors.Is(err, uplink.ErrInvalidScript),
		errors.Is(err, ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrNotConnected),
		errors.Is(err, history.ErrNotRecording),
		errors.Is(err, history.ErrNoSession),
		errors.Is(err, uplink.ErrNoScript),
		errors.Is(err, uplink.ErrPlaybackRunning):
		return http.StatusConflict
	case errors.Is(err, link.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, link.ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
