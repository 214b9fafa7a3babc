package dispatch

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/history"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

type recorder struct {
	steps *[]string
	err   error
	panic bool
}

func (p recorder) Publish(event string, payload any) error {
	if p.panic {
		panic("boom")
	}
	*p.steps = append(*p.steps, "publish:"+event)
	return p.err
}

type flightStub struct {
	steps  *[]string
	opened int
	closed int
	err    error
}

func (f *flightStub) Open(time.Time) error { f.opened++; return nil }
func (f *flightStub) Close()               { f.closed++ }
func (f *flightStub) Record(telemetry.Record) error {
	*f.steps = append(*f.steps, "log")
	return f.err
}

type sinkStub struct{ steps *[]string }

func (s sinkStub) Submit(telemetry.Record) { *s.steps = append(*s.steps, "sink") }

func TestDispatchOrder(t *testing.T) {
	var steps []string
	h := history.New()
	fl := &flightStub{steps: &steps}
	d := New(h, recorder{steps: &steps}, fl, zerolog.Nop(), sinkStub{&steps})

	d.Begin("c1", time.Now())
	d.Dispatch(telemetry.Record{PacketCount: 1})

	want := []string{"publish:graph-data", "log", "sink"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps = %v, want %v", steps, want)
		}
	}
	if h.Len() != 1 || h.ConnectionID() != "c1" || fl.opened != 1 {
		t.Fatalf("history len %d conn %s opened %d", h.Len(), h.ConnectionID(), fl.opened)
	}

	d.End("c1", nil)
	if fl.closed != 1 {
		t.Fatalf("flight log not closed")
	}
}

func TestDispatchSurvivesFailures(t *testing.T) {
	var steps []string
	h := history.New()
	fl := &flightStub{steps: &steps, err: errors.New("disk full")}
	d := New(h, recorder{steps: &steps, panic: true}, fl, zerolog.Nop(), sinkStub{&steps})

	for i := 0; i < 3; i++ {
		d.Dispatch(telemetry.Record{PacketCount: i})
	}

	if h.Len() != 3 {
		t.Fatalf("history len = %d", h.Len())
	}
	st := d.Stats()
	if st.Dispatched != 3 || st.PublishFailed != 3 || st.LogFailed != 3 {
		t.Fatalf("stats = %+v", st)
	}
	sinks := 0
	for _, s := range steps {
		if s == "sink" {
			sinks++
		}
	}
	if sinks != 3 {
		t.Fatalf("sinks skipped after failures: %v", steps)
	}
}

func TestBeginResetsHistory(t *testing.T) {
	h := history.New()
	d := New(h, nil, nil, zerolog.Nop())
	d.Begin("a", time.Now())
	d.Dispatch(telemetry.Record{})
	d.End("a", errors.New("unplugged"))
	d.Begin("b", time.Now())
	if h.Len() != 0 || h.ConnectionID() != "b" {
		t.Fatalf("history not reset for new connection")
	}
}

func TestEndReportsConnectionRecords(t *testing.T) {
	var buf bytes.Buffer
	d := New(history.New(), nil, nil, zerolog.New(&buf))

	d.Begin("a", time.Now())
	d.Dispatch(telemetry.Record{PacketCount: 1})
	d.Dispatch(telemetry.Record{PacketCount: 2})
	d.End("a", errors.New("unplugged"))

	d.Begin("b", time.Now())
	d.Dispatch(telemetry.Record{PacketCount: 1})
	buf.Reset()
	d.End("b", nil)

	if !strings.Contains(buf.String(), `"records":1`) {
		t.Fatalf("end log = %s", buf.String())
	}
	if st := d.Stats(); st.Dispatched != 3 || st.Connection != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
