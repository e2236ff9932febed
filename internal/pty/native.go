package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// NativeSystem allocates real pseudo-terminals from the OS.
type NativeSystem struct{}

func (NativeSystem) Open(rows, cols uint16) (Controller, Subordinate, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, nil, fmt.Errorf("set size: %w", err)
	}
	return &nativeController{ptmx: ptmx}, &nativeSubordinate{tty: tty}, nil
}

type nativeController struct {
	ptmx *os.File
}

func (c *nativeController) Resize(rows, cols uint16) error {
	return pty.Setsize(c.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Writer and Reader hand out the master file itself. os.File is safe for a
// concurrent reader and writer, and closing it unblocks a pending Read.
func (c *nativeController) Writer() (io.WriteCloser, error) {
	if c.ptmx == nil {
		return nil, errors.New("pty master is not open")
	}
	return c.ptmx, nil
}

func (c *nativeController) Reader() (io.Reader, error) {
	if c.ptmx == nil {
		return nil, errors.New("pty master is not open")
	}
	return c.ptmx, nil
}

func (c *nativeController) Close() error {
	return c.ptmx.Close()
}

type nativeSubordinate struct {
	tty *os.File
}

func (s *nativeSubordinate) Spawn(c Command) (Process, error) {
	cmd := exec.Command(c.Path)
	if len(c.Args) > 0 {
		cmd.Args = c.Args
	}
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = s.tty
	cmd.Stdout = s.tty
	cmd.Stderr = s.tty
	// New session with the tty (child fd 0) as controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &nativeProcess{cmd: cmd}, nil
}

func (s *nativeSubordinate) Close() error {
	return s.tty.Close()
}

type nativeProcess struct {
	cmd *exec.Cmd
}

func (p *nativeProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *nativeProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *nativeProcess) Wait() error {
	return p.cmd.Wait()
}
