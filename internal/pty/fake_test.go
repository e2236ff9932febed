package pty

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peterje/ptyhost/internal/events"
)

var (
	errKilled = errors.New("killed")
	errExited = errors.New("shell exited")
)

// fakeSystem hands out pipe-backed pty pairs driven by a tiny line shell:
// "echo X" prints X, "exit" ends the stream, anything else is ignored.
type fakeSystem struct {
	openErr   error
	spawnErr  error
	writerErr error
	readerErr error

	mu       sync.Mutex
	ctrls    []*fakeController
	procs    []*fakeProcess
	commands []Command
	nextPID  int
}

func (s *fakeSystem) Open(rows, cols uint16) (Controller, Subordinate, error) {
	if s.openErr != nil {
		return nil, nil, s.openErr
	}
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	c := &fakeController{
		sys:  s,
		outR: outR, outW: outW,
		inR: inR, inW: inW,
		rows: rows, cols: cols,
	}
	s.mu.Lock()
	s.ctrls = append(s.ctrls, c)
	s.mu.Unlock()
	return c, &fakeSubordinate{sys: s, ctrl: c}, nil
}

func (s *fakeSystem) lastController() *fakeController {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrls[len(s.ctrls)-1]
}

func (s *fakeSystem) lastProcess() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeController struct {
	sys        *fakeSystem
	outR       *io.PipeReader
	outW       *io.PipeWriter
	inR        *io.PipeReader
	inW        *io.PipeWriter
	mu         sync.Mutex
	rows, cols uint16
	resizeErr  error
	writeErr   error
	closed     atomic.Bool
}

func (c *fakeController) Resize(rows, cols uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resizeErr != nil {
		return c.resizeErr
	}
	c.rows, c.cols = rows, cols
	return nil
}

func (c *fakeController) size() (uint16, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows, c.cols
}

func (c *fakeController) Writer() (io.WriteCloser, error) {
	if c.sys.writerErr != nil {
		return nil, c.sys.writerErr
	}
	return &fakeWriter{ctrl: c}, nil
}

// failNextWrite makes the next write to the session's input fail with err.
func (c *fakeController) failNextWrite(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeController) takeWriteErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.writeErr
	c.writeErr = nil
	return err
}

type fakeWriter struct {
	ctrl *fakeController
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	if err := w.ctrl.takeWriteErr(); err != nil {
		return 0, err
	}
	return w.ctrl.inW.Write(p)
}

func (w *fakeWriter) Close() error {
	return w.ctrl.inW.Close()
}

func (c *fakeController) Reader() (io.Reader, error) {
	if c.sys.readerErr != nil {
		return nil, c.sys.readerErr
	}
	return c.outR, nil
}

func (c *fakeController) Close() error {
	c.closed.Store(true)
	return c.outR.CloseWithError(os.ErrClosed)
}

type fakeSubordinate struct {
	sys    *fakeSystem
	ctrl   *fakeController
	closed atomic.Bool
}

func (s *fakeSubordinate) Spawn(cmd Command) (Process, error) {
	s.sys.mu.Lock()
	s.sys.commands = append(s.sys.commands, cmd)
	s.sys.mu.Unlock()
	if s.sys.spawnErr != nil {
		return nil, s.sys.spawnErr
	}

	s.sys.mu.Lock()
	s.sys.nextPID++
	p := &fakeProcess{pid: 1000 + s.sys.nextPID, ctrl: s.ctrl, done: make(chan struct{})}
	s.sys.procs = append(s.sys.procs, p)
	s.sys.mu.Unlock()

	go p.run()
	return p, nil
}

func (s *fakeSubordinate) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeProcess struct {
	pid    int
	ctrl   *fakeController
	done   chan struct{}
	killed atomic.Bool
}

func (p *fakeProcess) run() {
	defer close(p.done)
	defer p.ctrl.outW.Close()
	// Input is refused before output ends, so a writer that saw the end
	// never blocks on a pipe nobody reads.
	defer p.ctrl.inR.CloseWithError(errExited)

	sc := bufio.NewScanner(p.ctrl.inR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "exit":
			return
		case strings.HasPrefix(line, "echo "):
			if _, err := io.WriteString(p.ctrl.outW, strings.TrimPrefix(line, "echo ")+"\r\n"); err != nil {
				return
			}
		}
	}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	return p.ctrl.inR.CloseWithError(errKilled)
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

// recorder is a sink that buffers every event.
type recorder struct {
	ch chan events.Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan events.Event, 1024)}
}

func (r *recorder) Publish(ev events.Event) { r.ch <- ev }

// waitOutput collects output of session id until it contains want. It fails
// if the session ends first.
func (r *recorder) waitOutput(t *testing.T, id uint32, want string) string {
	t.Helper()
	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.SessionID != id {
				continue
			}
			require.Equal(t, events.Output, ev.Kind, "session ended before %q appeared; got %q", want, out.String())
			out.WriteString(ev.Data)
			if strings.Contains(out.String(), want) {
				return out.String()
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q; got %q", want, out.String())
		}
	}
}

// waitEnded skips output until session id ends.
func (r *recorder) waitEnded(t *testing.T, id uint32) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.SessionID == id && ev.Kind == events.Ended {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for session %d to end", id)
		}
	}
}
