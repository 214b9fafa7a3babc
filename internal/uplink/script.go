package uplink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var ErrInvalidScript = errors.New("uplink: invalid script")

// Wildcard in the team column is replaced by the target team id.
const Wildcard = "$"

// Command is one resolved line of a playback script.
type Command struct {
	TeamID  int
	Kind    string
	Payload string
}

// String renders the command as it is sent, without the line terminator.
func (c Command) String() string {
	return fmt.Sprintf("CMD,%d,%s,%s", c.TeamID, c.Kind, c.Payload)
}

// ParseScript reads a playback script. Blank lines and lines starting with
// # are skipped. Every other line must be CMD,<team|$>,SIMP,<number>. The
// first invalid line fails the whole script.
func ParseScript(r io.Reader, target int) ([]Command, error) {
	var cmds []Command
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := parseLine(line, target)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidScript, n, err)
		}
		cmds = append(cmds, cmd)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return cmds, nil
}

func parseLine(line string, target int) (Command, error) {
	f := strings.Split(line, ",")
	if len(f) != 4 {
		return Command{}, fmt.Errorf("got %d fields, want 4", len(f))
	}
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	if f[0] != "CMD" {
		return Command{}, fmt.Errorf("first field is %q, want CMD", f[0])
	}
	if f[2] != "SIMP" {
		return Command{}, fmt.Errorf("command is %q, want SIMP", f[2])
	}

	var team int
	if f[1] == Wildcard {
		if target <= 0 {
			return Command{}, errors.New("wildcard team id but no target team configured")
		}
		team = target
	} else {
		id, err := strconv.Atoi(f[1])
		if err != nil || id <= 0 {
			return Command{}, fmt.Errorf("team id %q is neither %s nor a positive integer", f[1], Wildcard)
		}
		team = id
	}

	if v, err := strconv.ParseFloat(f[3], 64); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Command{}, fmt.Errorf("payload %q is not a finite number", f[3])
	}
	return Command{TeamID: team, Kind: f[2], Payload: f[3]}, nil
}

// ReadScript parses the script file at path.
func ReadScript(path string, target int) ([]Command, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	defer f.Close()
	return ParseScript(f, target)
}
