// Package procinfo resolves which process is in the foreground of a
// session's terminal.
//
// The lookup shells out to ps(1) and is inherently racy: the foreground
// process can change between queries. Resolution never fails; the worst
// case is the shell's own name, or Placeholder when even that is unknown.
package procinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Placeholder is returned when nothing is known about a session's shell.
const Placeholder = "shell"

// Resolver maps a shell pid to the name of its terminal's foreground process.
type Resolver interface {
	Resolve(ctx context.Context, pid int) string
}

// Runner runs a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

var errEmptyOutput = errors.New("empty output")

// PS resolves foreground processes with ps(1).
type PS struct {
	run    Runner
	logger *zap.Logger
}

// NewPS returns a PS that uses run, or ExecRunner when run is nil.
func NewPS(run Runner, logger *zap.Logger) *PS {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PS{run: run, logger: logger}
}

// Process is one row of a terminal's process listing.
type Process struct {
	PID  int
	Stat string
	Name string
}

// Foreground reports whether the process is in its terminal's foreground
// process group.
func (p Process) Foreground() bool {
	return strings.Contains(p.Stat, "+")
}

func (r *PS) Resolve(ctx context.Context, pid int) string {
	if pid <= 0 {
		return Placeholder
	}

	shell, err := r.commandName(ctx, pid)
	if err != nil {
		r.logger.Debug("shell name lookup failed", zap.Int("pid", pid), zap.Error(err))
		return Placeholder
	}

	tty, err := r.terminal(ctx, pid)
	if err != nil {
		r.logger.Debug("tty lookup failed", zap.Int("pid", pid), zap.Error(err))
		return shell
	}
	if tty == "" || tty == "?" || tty == "??" {
		return shell
	}

	procs, err := r.attached(ctx, tty)
	if err != nil {
		r.logger.Debug("tty process listing failed", zap.String("tty", tty), zap.Error(err))
		return shell
	}
	for _, p := range procs {
		if p.Foreground() && p.PID != pid && p.Name != shell {
			return p.Name
		}
	}
	return shell
}

func (r *PS) commandName(ctx context.Context, pid int) (string, error) {
	out, err := r.ps(ctx, "-o", "comm=", "-p", strconv.Itoa(pid))
	if err != nil {
		return "", err
	}
	name := Normalize(string(out))
	if name == "" {
		return "", errEmptyOutput
	}
	return name, nil
}

func (r *PS) terminal(ctx context.Context, pid int) (string, error) {
	out, err := r.ps(ctx, "-o", "tty=", "-p", strconv.Itoa(pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *PS) attached(ctx context.Context, tty string) ([]Process, error) {
	out, err := r.ps(ctx, "-t", tty, "-o", "pid=,stat=,comm=")
	if err != nil {
		return nil, err
	}
	return ParseListing(out), nil
}

func (r *PS) ps(ctx context.Context, args ...string) ([]byte, error) {
	out, err := r.run(ctx, "ps", args...)
	if err != nil {
		return nil, fmt.Errorf("ps %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// ParseListing parses "pid stat comm" rows. Rows that do not start with a
// numeric pid are skipped; a command name containing spaces is kept whole.
func ParseListing(out []byte) []Process {
	var procs []Process
	for _, line := range bytes.Split(out, []byte("\n")) {
		fields := strings.Fields(string(line))
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, Process{
			PID:  pid,
			Stat: fields[1],
			Name: Normalize(strings.Join(fields[2:], " ")),
		})
	}
	return procs
}

// Normalize strips surrounding space, any directory prefix and the
// leading '-' that marks a login shell.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "-")
}
