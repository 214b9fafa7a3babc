// Package dispatch fans accepted telemetry records out to history, live
// subscribers, the flight log and optional sinks.
package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/history"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// EventGraphData is the live event carrying one record.
const EventGraphData = "graph-data"

// Publisher delivers live events to subscribers.
type Publisher interface {
	Publish(event string, payload any) error
}

// FlightLog is the per-connection on-disk log.
type FlightLog interface {
	Open(now time.Time) error
	Record(r telemetry.Record) error
	Close()
}

// Sink receives records after they are stored. Submit must not block.
type Sink interface {
	Submit(r telemetry.Record)
}

// Dispatcher runs on the reader goroutine; records leave it in arrival order.
type Dispatcher struct {
	history *history.History
	pub     Publisher
	flight  FlightLog
	sinks   []Sink
	log     zerolog.Logger

	dispatched    atomic.Uint64
	current       atomic.Uint64 // records of the current connection
	publishFailed atomic.Uint64
	logFailed     atomic.Uint64
}

// New creates a Dispatcher. pub and flight may be nil.
func New(h *history.History, pub Publisher, flight FlightLog, log zerolog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		history: h,
		pub:     pub,
		flight:  flight,
		sinks:   sinks,
		log:     log,
	}
}

// Begin scopes history to a new connection and opens its flight log.
func (d *Dispatcher) Begin(connID string, opened time.Time) {
	d.history.Reset(connID)
	d.current.Store(0)
	if d.flight != nil {
		if err := d.flight.Open(opened); err != nil {
			d.log.Error().Err(err).Str("connection", connID).Msg("flight log unavailable, continuing without it")
		}
	}
}

// End closes the flight log of the connection that just ended.
func (d *Dispatcher) End(connID string, cause error) {
	if d.flight != nil {
		d.flight.Close()
	}
	ev := d.log.Info()
	if cause != nil {
		ev = d.log.Warn().Err(cause)
	}
	ev.Str("connection", connID).Uint64("records", d.current.Load()).Msg("end of stream")
}

// Dispatch stores r and forwards it. Only the history append is
// authoritative; later steps log their failures and carry on.
func (d *Dispatcher) Dispatch(r telemetry.Record) {
	d.history.Append(r)
	d.dispatched.Add(1)
	d.current.Add(1)

	if d.pub != nil {
		if err := d.publish(r); err != nil {
			d.publishFailed.Add(1)
			d.log.Warn().Err(err).Int("packet", r.PacketCount).Msg("live publish failed")
		}
	}

	if d.flight != nil {
		if err := d.flight.Record(r); err != nil {
			d.logFailed.Add(1)
			d.log.Error().Err(err).Int("packet", r.PacketCount).Msg("flight log write failed")
		}
	}

	for _, s := range d.sinks {
		s.Submit(r)
	}
}

func (d *Dispatcher) publish(r telemetry.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("publisher panic: %v", p)
		}
	}()
	return d.pub.Publish(EventGraphData, r)
}

// Stats counts dispatch outcomes.
type Stats struct {
	Dispatched    uint64 `json:"dispatched"`
	Connection    uint64 `json:"connection"`
	PublishFailed uint64 `json:"publishFailed"`
	LogFailed     uint64 `json:"logFailed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:    d.dispatched.Load(),
		Connection:    d.current.Load(),
		PublishFailed: d.publishFailed.Load(),
		LogFailed:     d.logFailed.Load(),
	}
}
