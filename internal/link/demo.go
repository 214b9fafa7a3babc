package link

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DemoDevice is the device identifier of the simulated CanSat.
const DemoDevice = "demo"

// DemoPort simulates a CanSat on the bench: one telemetry line per second
// following a launch/ascent/descent profile, echoing the last command it
// received in CMD_ECHO. SIMP commands drive the altitude from simulated
// pressure once simulation mode is enabled and activated.
type DemoPort struct {
	teamID   int
	interval time.Duration

	pr *io.PipeReader
	pw *io.PipeWriter

	mu         sync.Mutex
	packets    int
	echo       string
	simEnabled bool
	simActive  bool
	simPress   float64 // kPa
	start      time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewDemoPort starts a simulated device reporting teamID.
func NewDemoPort(teamID int) *DemoPort {
	return newDemoPort(teamID, time.Second)
}

func newDemoPort(teamID int, interval time.Duration) *DemoPort {
	pr, pw := io.Pipe()
	d := &DemoPort{
		teamID:   teamID,
		interval: interval,
		pr:       pr,
		pw:       pw,
		start:    time.Now(),
		stop:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *DemoPort) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			line := d.nextLine(now)
			if _, err := io.WriteString(d.pw, line); err != nil {
				return
			}
		}
	}
}

// nextLine renders the telemetry row for the current simulated instant.
func (d *DemoPort) nextLine(now time.Time) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.packets++
	t := now.Sub(d.start).Seconds()

	mode := "F"
	state, alt := flightProfile(t)
	pressure := pressureAt(alt)
	if d.simActive && d.simPress > 0 {
		mode = "S"
		pressure = d.simPress
		alt = altitudeAt(pressure)
		state = "SIMULATION"
	}

	hs, pc, mast := "N", "N", "N"
	switch state {
	case "HS_RELEASE":
		hs = "P"
	case "DESCENT":
		hs = "P"
		if alt < 200 {
			pc = "C"
		}
	case "LANDED":
		hs, pc, mast = "P", "C", "M"
	}

	utc := now.UTC().Format("15:04:05")
	return strings.Join([]string{
		strconv.Itoa(d.teamID),
		utc,
		strconv.Itoa(d.packets),
		mode,
		state,
		fmt.Sprintf("%.1f", alt),
		hs, pc, mast,
		fmt.Sprintf("%.1f", 22+rand.Float64()*2-alt*0.0065),
		fmt.Sprintf("%.1f", pressure),
		fmt.Sprintf("%.1f", 5.0+rand.Float64()*0.2),
		utc,
		fmt.Sprintf("%.1f", 1200+alt+rand.Float64()*3),
		fmt.Sprintf("%.4f", 32.9400+0.0005*math.Sin(t*0.05)),
		fmt.Sprintf("%.4f", -106.9200+0.0005*math.Cos(t*0.05)),
		strconv.Itoa(8 + rand.Intn(4)),
		fmt.Sprintf("%.2f", 3*math.Sin(t*0.7)),
		fmt.Sprintf("%.2f", 3*math.Cos(t*0.9)),
		d.echo,
	}, ",") + "\r\n"
}

// flightProfile returns the state and altitude t seconds after power-on.
func flightProfile(t float64) (string, float64) {
	const (
		waitEnd   = 10.0
		ascentEnd = 40.0
		apogee    = 725.0
		descent   = 8.0 // m/s under parachute
	)
	switch {
	case t < waitEnd:
		return "LAUNCH_WAIT", 0
	case t < ascentEnd:
		f := (t - waitEnd) / (ascentEnd - waitEnd)
		return "ASCENT", apogee * math.Sin(f*math.Pi/2)
	case t < ascentEnd+2:
		return "ROCKET_SEPARATION", apogee
	}
	alt := apogee - (t-ascentEnd-2)*descent
	switch {
	case alt <= 0:
		return "LANDED", 0
	case alt > apogee-50:
		return "HS_RELEASE", alt
	default:
		return "DESCENT", alt
	}
}

// pressureAt is the standard-atmosphere pressure in kPa at alt metres.
func pressureAt(alt float64) float64 {
	return 101.325 * math.Pow(1-alt/44330, 5.255)
}

// altitudeAt inverts pressureAt.
func altitudeAt(kpa float64) float64 {
	return 44330 * (1 - math.Pow(kpa/101.325, 1/5.255))
}

func (d *DemoPort) Read(p []byte) (int, error) {
	return d.pr.Read(p)
}

// Write accepts newline-terminated commands of the form CMD,<team>,<kind>,<arg>.
func (d *DemoPort) Write(p []byte) (int, error) {
	select {
	case <-d.stop:
		return 0, io.ErrClosedPipe
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range strings.Split(string(p), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) != 4 || fields[0] != "CMD" {
			continue
		}
		kind, arg := fields[2], fields[3]
		d.echo = kind + arg
		switch kind {
		case "SIM":
			switch arg {
			case "ENABLE":
				d.simEnabled = true
			case "ACTIVATE":
				d.simActive = d.simEnabled
			case "DISABLE":
				d.simEnabled, d.simActive = false, false
			}
		case "SIMP":
			if pa, err := strconv.ParseFloat(arg, 64); err == nil {
				d.simPress = pa / 1000
			}
		}
	}
	return len(p), nil
}

// Close stops the generator and unblocks pending reads.
func (d *DemoPort) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.pw.Close()
		d.pr.Close()
	})
	return nil
}
