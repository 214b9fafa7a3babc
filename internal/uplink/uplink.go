// Package uplink sends commands to the CanSat and replays pressure scripts
// at a fixed cadence.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoScript        = errors.New("uplink: no script loaded")
	ErrPlaybackRunning = errors.New("uplink: playback already running")
)

// DefaultInterval is the spacing between playback commands.
const DefaultInterval = time.Second

// Writer is the serialized device write path.
type Writer interface {
	Write(p []byte) error
}

// Progress is reported after every playback command and once at the end.
type Progress struct {
	Index   int    `json:"index"` // 1-based, 0 on the final report
	Total   int    `json:"total"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error,omitempty"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Done    bool   `json:"done"`
}

// Status summarizes the uplink.
type Status struct {
	Loaded  int  `json:"loaded"`
	Running bool `json:"running"`
	Total   int  `json:"total"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Target  int  `json:"target"`
}

// Config holds uplink settings.
type Config struct {
	Interval time.Duration
	TeamID   int
	Progress func(Progress)
}

// Uplink owns the loaded script and at most one running playback.
type Uplink struct {
	w        Writer
	log      zerolog.Logger
	interval time.Duration
	progress func(Progress)

	mu      sync.Mutex
	target  int
	script  []Command
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	total   int
	sent    int
	failed  int
}

// New creates an Uplink writing through w.
func New(w Writer, cfg Config, log zerolog.Logger) *Uplink {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Uplink{
		w:        w,
		log:      log,
		interval: cfg.Interval,
		progress: cfg.Progress,
		target:   cfg.TeamID,
	}
}

// SetTarget changes the team id substituted for wildcards on the next load.
func (u *Uplink) SetTarget(id int) {
	u.mu.Lock()
	u.target = id
	u.mu.Unlock()
}

// Send writes command followed by a line feed.
func (u *Uplink) Send(command string) error {
	command = strings.TrimRight(command, "\r\n")
	if err := u.w.Write([]byte(command + "\n")); err != nil {
		return err
	}
	u.log.Debug().Str("command", command).Msg("sent")
	return nil
}

// LoadScript replaces the loaded script with the one at path. On any error
// the previous script is kept.
func (u *Uplink) LoadScript(path string) (int, error) {
	u.mu.Lock()
	target := u.target
	u.mu.Unlock()

	cmds, err := ReadScript(path, target)
	if err != nil {
		return 0, err
	}
	u.Load(cmds)
	u.log.Info().Str("path", path).Int("commands", len(cmds)).Msg("playback script loaded")
	return len(cmds), nil
}

// Load installs an already parsed script.
func (u *Uplink) Load(cmds []Command) {
	u.mu.Lock()
	u.script = cmds
	u.mu.Unlock()
}

// StartPlayback takes the loaded script and sends one command per interval,
// the first after one interval has elapsed. The script is consumed; a second
// playback needs a new load.
func (u *Uplink) StartPlayback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		return ErrPlaybackRunning
	}
	if len(u.script) == 0 {
		return ErrNoScript
	}

	script := u.script
	u.script = nil
	u.running = true
	u.total, u.sent, u.failed = len(script), 0, 0

	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.done = make(chan struct{})

	go u.play(ctx, script, u.done)

	u.log.Info().Int("commands", len(script)).Dur("interval", u.interval).Msg("playback started")
	return nil
}

func (u *Uplink) play(ctx context.Context, script []Command, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	var stopped bool
	for i, cmd := range script {
		select {
		case <-ctx.Done():
			stopped = true
		case <-ticker.C:
		}
		if stopped {
			break
		}

		p := Progress{Index: i + 1, Total: len(script), Command: cmd.String()}
		err := u.Send(cmd.String())

		u.mu.Lock()
		if err != nil {
			u.failed++
			p.Error = err.Error()
		} else {
			u.sent++
		}
		p.Sent, p.Failed = u.sent, u.failed
		u.mu.Unlock()

		if err != nil {
			u.log.Warn().Err(err).Int("index", i+1).Str("command", cmd.String()).Msg("playback send failed, continuing")
		}
		u.report(p)
	}

	u.mu.Lock()
	u.running = false
	u.cancel()
	final := Progress{Total: len(script), Sent: u.sent, Failed: u.failed, Done: true}
	if stopped {
		final.Error = "stopped"
	}
	u.mu.Unlock()

	u.log.Info().Int("sent", final.Sent).Int("failed", final.Failed).Bool("stopped", stopped).Msg("playback finished")
	u.report(final)
}

func (u *Uplink) report(p Progress) {
	if u.progress != nil {
		u.progress(p)
	}
}

// StopPlayback aborts a running playback and waits for it to exit. It
// reports whether a playback was running.
func (u *Uplink) StopPlayback() bool {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return false
	}
	cancel, done := u.cancel, u.done
	u.mu.Unlock()

	cancel()
	<-done
	return true
}

// Wait blocks until the current playback, if any, has finished.
func (u *Uplink) Wait(ctx context.Context) error {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for playback: %w", ctx.Err())
	}
}

// Status reports the loaded script and playback counters.
func (u *Uplink) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Status{
		Loaded:  len(u.script),
		Running: u.running,
		Total:   u.total,
		Sent:    u.sent,
		Failed:  u.failed,
		Target:  u.target,
	}
}
