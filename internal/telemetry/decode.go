package telemetry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrDecode marks a row that could not be turned into a Record.
var ErrDecode = errors.New("telemetry: decode failed")

// DecodeError describes why one row was dropped.
type DecodeError struct {
	Row    string
	Column int    // 1-based, 0 when the column count is wrong
	Field  string // header name of the failing column
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Column == 0 {
		return fmt.Sprintf("telemetry: %v", e.Err)
	}
	return fmt.Sprintf("telemetry: column %d (%s): %v", e.Column, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// ParseRow decodes one delimiter-separated row into a Record.
func ParseRow(row string) (Record, error) {
	cols := strings.Split(row, string(Delimiter))
	if len(cols) < FieldCount {
		return Record{}, &DecodeError{
			Row: row,
			Err: fmt.Errorf("got %d columns, want %d", len(cols), FieldCount),
		}
	}

	var r Record
	p := &rowParser{row: row, cols: cols}

	r.TeamID = p.integer(0)
	r.MissionTime = p.text(1)
	r.PacketCount = p.integer(2)
	r.Mode = p.text(3)
	r.State = p.text(4)
	r.Altitude = p.decimal(5)
	r.HSDeployed = p.text(6)
	r.PCDeployed = p.text(7)
	r.MastRaised = p.text(8)
	r.Temperature = p.decimal(9)
	r.Pressure = p.decimal(10)
	r.Voltage = p.decimal(11)
	r.GPSTime = p.text(12)
	r.GPSAltitude = p.decimal(13)
	r.GPSLatitude = p.decimal(14)
	r.GPSLongitude = p.decimal(15)
	r.GPSSats = p.integer(16)
	r.TiltX = p.decimal(17)
	r.TiltY = p.decimal(18)
	r.CmdEcho = p.text(19)

	if p.err != nil {
		return Record{}, p.err
	}
	if len(cols) > FieldCount {
		r.Optional = append([]string(nil), cols[FieldCount:]...)
	}
	return r, nil
}

// rowParser keeps the first column error and turns later calls into no-ops.
type rowParser struct {
	row  string
	cols []string
	err  error
}

func (p *rowParser) fail(i int, err error) {
	if p.err == nil {
		p.err = &DecodeError{Row: p.row, Column: i + 1, Field: Header[i], Err: err}
	}
}

func (p *rowParser) text(i int) string {
	return strings.TrimSpace(p.cols[i])
}

func (p *rowParser) integer(i int) int {
	if p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(p.cols[i]))
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *rowParser) decimal(i int) float64 {
	if p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(p.cols[i]), 64)
	if err != nil {
		p.fail(i, err)
		return 0
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		p.fail(i, fmt.Errorf("non-finite value %q", p.cols[i]))
		return 0
	}
	return v
}

// Filter accepts records whose team id is in the allow-list.
// An empty filter accepts every record.
type Filter struct {
	mu  sync.RWMutex
	ids map[int]struct{}
}

// NewFilter builds a filter from the given ids; zero ids are ignored.
func NewFilter(ids ...int) *Filter {
	f := &Filter{}
	f.Set(ids...)
	return f
}

// Set replaces the allow-list.
func (f *Filter) Set(ids ...int) {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			set[id] = struct{}{}
		}
	}
	f.mu.Lock()
	f.ids = set
	f.mu.Unlock()
}

// Allows reports whether a record from team id passes the filter.
func (f *Filter) Allows(id int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ids) == 0 {
		return true
	}
	_, ok := f.ids[id]
	return ok
}

// Stats counts decoder outcomes since creation.
type Stats struct {
	Frames   uint64 `json:"frames"`
	Accepted uint64 `json:"accepted"`
	Dropped  uint64 `json:"dropped"`
	Filtered uint64 `json:"filtered"`
}

// Decoder turns raw frames into records. Malformed rows are logged and
// counted; Decode never fails.
type Decoder struct {
	filter *Filter
	log    zerolog.Logger

	frames, accepted, dropped, filtered atomic.Uint64
}

// NewDecoder creates a Decoder. A nil filter accepts every team.
func NewDecoder(filter *Filter, log zerolog.Logger) *Decoder {
	if filter == nil {
		filter = NewFilter()
	}
	return &Decoder{filter: filter, log: log}
}

// Filter returns the team-id filter in use.
func (d *Decoder) Filter() *Filter { return d.filter }

// Decode splits a frame into rows and returns every row that decoded and
// passed the team filter, in order.
func (d *Decoder) Decode(frame []byte) []Record {
	d.frames.Add(1)

	var out []Record
	for _, row := range splitRows(string(frame)) {
		rec, err := ParseRow(row)
		if err != nil {
			d.dropped.Add(1)
			d.log.Warn().Err(err).Str("row", row).Msg("dropping malformed row")
			continue
		}
		if !d.filter.Allows(rec.TeamID) {
			d.filtered.Add(1)
			d.log.Debug().Int("team_id", rec.TeamID).Msg("dropping record from foreign team")
			continue
		}
		d.accepted.Add(1)
		out = append(out, rec)
	}
	return out
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		Frames:   d.frames.Load(),
		Accepted: d.accepted.Load(),
		Dropped:  d.dropped.Load(),
		Filtered: d.filtered.Load(),
	}
}

// splitRows strips the CR of a CRLF terminator and splits on any embedded
// CR. Empty rows are skipped.
func splitRows(frame string) []string {
	frame = strings.TrimRight(frame, "\r")
	if frame == "" {
		return nil
	}
	parts := strings.Split(frame, "\r")
	rows := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			rows = append(rows, p)
		}
	}
	return rows
}
