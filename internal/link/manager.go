package link

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrNotConnected      = errors.New("not connected")
	ErrIO                = errors.New("device i/o error")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText lets State appear as a string in JSON and CBOR events.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateChange is published on every lifecycle transition.
type StateChange struct {
	State        State     `json:"state"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Device       string    `json:"device,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Port is an open device handle.
type Port interface {
	io.ReadWriteCloser
}

// drainer is implemented by serial.Port: block until queued output is sent.
type drainer interface {
	Drain() error
}

// Opener opens a device at the given baud rate.
type Opener func(device string, baud int) (Port, error)

// Pipeline consumes the frames of each Connection. Begin runs before the
// reader starts, End after it has stopped; both run exactly once per
// Connection and never overlap with another Connection's calls.
type Pipeline interface {
	Begin(conn *Connection)
	HandleFrame(conn *Connection, frame []byte)
	End(conn *Connection, err error)
}

// Config holds Manager settings.
type Config struct {
	MaxFrame   int    // bytes before a frame without LF is discarded
	Demo       bool   // expose the simulated device
	DemoTeamID int    // team id the simulated device reports
	Open       Opener // nil opens real serial ports
}

// Connection is one open device session.
type Connection struct {
	ID     string
	Device string
	Baud   int
	Opened time.Time

	port    Port
	done    chan struct{}
	closing atomic.Bool
}

// Done is closed once the Connection's reader goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Manager owns the single active Connection.
type Manager struct {
	cfg      Config
	pipeline Pipeline
	log      zerolog.Logger

	connMu sync.Mutex  // serializes Connect and Disconnect
	last   *Connection // most recent Connection, guarded by connMu

	mu    sync.RWMutex
	state State
	conn  *Connection

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[chan StateChange]struct{}
}

// NewManager creates a Manager feeding frames into pipeline.
func NewManager(cfg Config, pipeline Pipeline, log zerolog.Logger) *Manager {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	m := &Manager{
		cfg:      cfg,
		pipeline: pipeline,
		log:      log,
		subs:     make(map[chan StateChange]struct{}),
	}
	if m.cfg.Open == nil {
		m.cfg.Open = m.openDevice
	}
	return m
}

func (m *Manager) openDevice(device string, baud int) (Port, error) {
	if device == DemoDevice && m.cfg.Demo {
		return NewDemoPort(m.cfg.DemoTeamID), nil
	}
	return openSerial(device, baud)
}

// openSerial opens device as 8N1 without flow control and drops anything
// buffered before the open.
func openSerial(device string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Active returns the open Connection, or nil.
func (m *Manager) Active() *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Connect opens device and starts its reader. An active Connection is torn
// down first and its reader has exited before the new device is opened.
func (m *Manager) Connect(device string, baud int) (*Connection, error) {
	if device == "" {
		return nil, fmt.Errorf("%w: device identifier is empty", ErrInvalidArgument)
	}
	if baud <= 0 {
		return nil, fmt.Errorf("%w: baud rate must be positive, got %d", ErrInvalidArgument, baud)
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()

	if old := m.Active(); old != nil {
		m.log.Info().Str("connection", old.ID).Str("device", old.Device).Msg("superseding active connection")
		m.teardown(old)
	}
	// A connection lost to a read error detaches itself before its End runs.
	if m.last != nil {
		<-m.last.Done()
	}

	m.setState(Connecting, nil, device, nil)
	port, err := m.cfg.Open(device, baud)
	if err != nil {
		m.setState(Disconnected, nil, device, err)
		return nil, fmt.Errorf("%w: open %s: %w", ErrDeviceUnavailable, device, err)
	}

	conn := &Connection{
		ID:     uuid.NewString(),
		Device: device,
		Baud:   baud,
		Opened: time.Now(),
		port:   port,
		done:   make(chan struct{}),
	}
	m.last = conn
	m.pipeline.Begin(conn)
	m.setState(Connected, conn, device, nil)

	go m.readLoop(conn)

	m.log.Info().Str("connection", conn.ID).Str("device", device).Int("baud", baud).Msg("connected")
	return conn, nil
}

// Disconnect closes the active Connection and waits for its reader to exit.
func (m *Manager) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn := m.Active()
	if conn == nil {
		return ErrNotConnected
	}
	m.teardown(conn)
	m.log.Info().Str("connection", conn.ID).Msg("disconnected")
	return nil
}

// teardown detaches conn, closes its port once no write is in flight and
// waits for the reader goroutine. Callers hold connMu.
func (m *Manager) teardown(conn *Connection) {
	conn.closing.Store(true)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	if err := conn.port.Close(); err != nil {
		m.log.Debug().Err(err).Str("connection", conn.ID).Msg("close port")
	}
	m.writeMu.Unlock()

	<-conn.done
	m.setState(Disconnected, nil, conn.Device, nil)
}

func (m *Manager) readLoop(conn *Connection) {
	defer close(conn.done)

	err := ReadFrames(conn.port, m.cfg.MaxFrame, m.log, func(frame []byte) {
		m.pipeline.HandleFrame(conn, frame)
	})

	if conn.closing.Load() {
		m.pipeline.End(conn, nil)
		return
	}

	m.log.Error().Err(err).Str("connection", conn.ID).Str("device", conn.Device).Msg("read failed, connection lost")

	m.mu.Lock()
	lost := m.conn == conn
	if lost {
		m.conn = nil
		m.state = Disconnected
	}
	m.mu.Unlock()

	conn.port.Close()
	m.pipeline.End(conn, err)

	if lost {
		m.notify(StateChange{
			State:        Disconnected,
			ConnectionID: conn.ID,
			Device:       conn.Device,
			Error:        fmt.Errorf("%w: %w", ErrIO, err).Error(),
			At:           time.Now(),
		})
	}
}

// Write sends p through the single serialized write path and waits for the
// output to drain.
func (m *Manager) Write(p []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn := m.Active()
	if conn == nil {
		return ErrNotConnected
	}

	for len(p) > 0 {
		n, err := conn.port.Write(p)
		if err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrIO, conn.Device, err)
		}
		p = p[n:]
	}
	if d, ok := conn.port.(drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("%w: drain %s: %w", ErrIO, conn.Device, err)
		}
	}
	return nil
}

// Subscribe returns a channel of state changes and a cancel func. Slow
// subscribers miss changes rather than blocking the manager.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) setState(s State, conn *Connection, device string, cause error) {
	m.mu.Lock()
	m.state = s
	if conn != nil {
		m.conn = conn
	}
	m.mu.Unlock()

	change := StateChange{State: s, Device: device, At: time.Now()}
	if conn != nil {
		change.ConnectionID = conn.ID
	}
	if cause != nil {
		change.Error = cause.Error()
	}
	m.notify(change)
}

func (m *Manager) notify(change StateChange) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- change:
		default:
			m.log.Warn().Str("state", change.State.String()).Msg("state subscriber is full, dropping change")
		}
	}
}
