package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/groundstation/internal/dispatch"
	"github.com/shaunagostinho/groundstation/internal/history"
	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logger"
	"github.com/shaunagostinho/groundstation/internal/store"
	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

const sampleLine = "1082,13:14:02,10,F,ASCENT,150.2,N,N,N,24.1,99.4,5.1,13:14:01,150.0,32.1234,-106.5678,3,45,1.23,4.50,CXON\n"

type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written strings.Builder
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipePort) Close() error               { return p.r.Close() }
func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}
func (p *pipePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type captured struct {
	event   string
	payload any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []captured
}

func (c *capturePublisher) Publish(event string, payload any) error {
	c.mu.Lock()
	c.events = append(c.events, captured{event, payload})
	c.mu.Unlock()
	return nil
}

func (c *capturePublisher) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type sinkCounter struct {
	mu sync.Mutex
	n  int
}

func (s *sinkCounter) Submit(telemetry.Record) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
}

func (s *sinkCounter) Name() string { return "counter" }

func (s *sinkCounter) Stats() store.Stats { return store.Stats{Written: uint64(s.count())} }

func (s *sinkCounter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func newTestStation(t *testing.T, ports map[string]*pipePort, sinks ...dispatch.Sink) (*Station, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	s := New(Config{
		TeamID: 1082,
		Link: link.Config{Open: func(device string, baud int) (link.Port, error) {
			p, ok := ports[device]
			if !ok {
				return nil, fmt.Errorf("no device %s", device)
			}
			return p, nil
		}},
		UplinkInterval: 5 * time.Millisecond,
		FlightLog:      logger.Config{Enabled: true, Dir: filepath.Join(t.TempDir(), "flights")},
		ExportDir:      t.TempDir(),
	}, pub, sinks...)
	t.Cleanup(s.Close)
	return s, pub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEndToEndExample(t *testing.T) {
	port := newPipePort()
	sink := &sinkCounter{}
	s, pub := newTestStation(t, map[string]*pipePort{"/dev/ttyUSB0": port}, sink)

	if _, err := s.Connect("/dev/ttyUSB0", 115200); err != nil {
		t.Fatalf("connect: %v", err)
	}
	go io.WriteString(port.w, "garbage,line\r\n"+sampleLine+"2001,13:14:03,11,F,ASCENT,1,N,N,N,1,1,1,x,1,1,1,1,1,1,x\n")

	waitFor(t, "three rows", func() bool {
		d := s.Status().Decoder
		return d.Accepted+d.Dropped+d.Filtered == 3 && sink.count() == 1
	})

	st := s.Status()
	if st.Records != 1 || st.Decoder.Dropped != 1 || st.Decoder.Filtered != 1 {
		t.Fatalf("status = %+v", st)
	}
	if pub.count(dispatch.EventGraphData) != 1 {
		t.Fatalf("graph-data events = %d", pub.count(dispatch.EventGraphData))
	}
	if n := sink.count(); n != 1 {
		t.Fatalf("sink saw %d records", n)
	}
	if got := s.Status().Sinks["counter"]; got.Written != 1 {
		t.Fatalf("sink status = %+v", s.Status().Sinks)
	}

	res, err := s.Export("flight.csv", history.SelectAll)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("export lines = %d", len(lines))
	}
	cols := strings.Split(lines[1], ",")
	if cols[1] != "13:14:02" || cols[5] != "150.2" || cols[14] != "32.1234" {
		t.Fatalf("exported row = %v", cols)
	}

	flight, err := os.ReadFile(st.FlightLog)
	if err != nil {
		t.Fatalf("flight log: %v", err)
	}
	if !strings.Contains(string(flight), "1082,13:14:02,10,F,ASCENT,150.2") {
		t.Fatalf("flight log missing record:\n%s", flight)
	}
}

func TestReconnectKeepsSingleReader(t *testing.T) {
	a, b := newPipePort(), newPipePort()
	s, _ := newTestStation(t, map[string]*pipePort{"a": a, "b": b})

	if _, err := s.Connect("a", 9600); err != nil {
		t.Fatal(err)
	}
	io.WriteString(a.w, sampleLine)
	waitFor(t, "first record", func() bool { return s.Status().Records == 1 })

	if _, err := s.Connect("b", 9600); err != nil {
		t.Fatal(err)
	}
	if s.Status().Records != 0 {
		t.Fatalf("history not reset on new connection")
	}
	if _, err := io.WriteString(a.w, sampleLine); err == nil {
		t.Fatalf("old port still has a reader")
	}

	for i := 0; i < 5; i++ {
		io.WriteString(b.w, sampleLine)
	}
	waitFor(t, "records on b", func() bool { return s.Status().Records == 5 })
	time.Sleep(20 * time.Millisecond)
	if got := s.Status().Records; got != 5 {
		t.Fatalf("records = %d, duplicates delivered", got)
	}
}

func TestRecordingRequiresConnection(t *testing.T) {
	port := newPipePort()
	s, _ := newTestStation(t, map[string]*pipePort{"p": port})

	if _, err := s.StartRecording(); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	s.Connect("p", 9600)
	io.WriteString(port.w, sampleLine)
	waitFor(t, "pre-session record", func() bool { return s.Status().Records == 1 })

	sess, err := s.StartRecording()
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(port.w, sampleLine)
	io.WriteString(port.w, sampleLine)
	waitFor(t, "session records", func() bool { return s.Status().Records == 3 })
	if s.Status().Recording == nil {
		t.Fatalf("status does not show the open session")
	}

	stopped, err := s.StopRecording()
	if err != nil || stopped.ID != sess.ID {
		t.Fatalf("stop = %+v, %v", stopped, err)
	}
	res, err := s.Export("session.csv", history.SelectSession)
	if err != nil || res.Rows != 2 {
		t.Fatalf("session export = %+v, %v", res, err)
	}
}

func TestSendAndPlayback(t *testing.T) {
	port := newPipePort()
	s, pub := newTestStation(t, map[string]*pipePort{"p": port})

	if err := s.Send("CMD,1082,CX,ON"); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("send without connection: %v", err)
	}
	if _, err := s.Connect("p", 9600); err != nil {
		t.Fatal(err)
	}

	script := filepath.Join(t.TempDir(), "sim.txt")
	os.WriteFile(script, []byte("CMD,$,SIMP,101325\nCMD,$,SIMP,101300\n"), 0644)
	if n, err := s.LoadPlaybackScript(script); err != nil || n != 2 {
		t.Fatalf("load = %d, %v", n, err)
	}
	if err := s.StartPlayback(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "playback", func() bool { return pub.count(EventPlayback) == 3 })

	want := "CMD,1082,SIMP,101325\nCMD,1082,SIMP,101300\n"
	if got := port.output(); got != want {
		t.Fatalf("device received %q, want %q", got, want)
	}
}

func TestSetTeamRetargets(t *testing.T) {
	port := newPipePort()
	s, _ := newTestStation(t, map[string]*pipePort{"p": port})
	s.SetTeam(2001, nil)
	s.Connect("p", 9600)

	io.WriteString(port.w, sampleLine)
	waitFor(t, "filtered record", func() bool { return s.Status().Decoder.Filtered == 1 })
	if st := s.Status(); st.Records != 0 || st.TeamID != 2001 {
		t.Fatalf("record for team 1082 accepted after retarget: %+v", st)
	}

	s.SetTeam(2001, []int{1082})
	io.WriteString(port.w, sampleLine)
	waitFor(t, "accepted record", func() bool { return s.Status().Records == 1 })
}

func TestConnectionStateEvents(t *testing.T) {
	port := newPipePort()
	s, pub := newTestStation(t, map[string]*pipePort{"p": port})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	// Run subscribes asynchronously
	time.Sleep(20 * time.Millisecond)

	s.Connect("p", 9600)
	waitFor(t, "connected event", func() bool { return pub.count(EventConnectionState) >= 2 })

	port.w.CloseWithError(errors.New("cable pulled"))
	waitFor(t, "lost event", func() bool { return s.Status().State == link.Disconnected })
	waitFor(t, "disconnect event", func() bool { return pub.count(EventConnectionState) >= 3 })

	cancel()
	<-done
}
