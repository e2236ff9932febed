package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/events"
	"github.com/peterje/ptyhost/internal/metrics"
	"github.com/peterje/ptyhost/internal/procinfo"
)

const readChunkSize = 8 * 1024

const (
	defaultRows              = 24
	defaultCols              = 80
	defaultTerm              = "xterm-256color"
	defaultLocale            = "en_US.UTF-8"
	defaultForegroundTimeout = 2 * time.Second
)

// Config configures a Manager. Zero fields take defaults.
type Config struct {
	System   System
	Resolver procinfo.Resolver
	Metrics  *metrics.Metrics

	// Shell is the program launched for each session; $SHELL, then /bin/sh,
	// when empty.
	Shell  string
	Term   string
	Locale string

	DefaultRows uint16
	DefaultCols uint16

	ForegroundTimeout time.Duration
}

// Options are the per-session parameters of Create.
type Options struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
	Dir  string `json:"cwd,omitempty"`
}

// Manager owns the session table and the reader loop of every session.
type Manager struct {
	cfg     Config
	sink    events.Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	table   *Table
}

func NewManager(cfg Config, sink events.Sink, logger *zap.Logger) *Manager {
	if cfg.System == nil {
		cfg.System = NativeSystem{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = procinfo.NewPS(nil, logger.Named("procinfo"))
	}
	if cfg.Term == "" {
		cfg.Term = defaultTerm
	}
	if cfg.Locale == "" {
		cfg.Locale = defaultLocale
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = defaultRows
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = defaultCols
	}
	if cfg.ForegroundTimeout <= 0 {
		cfg.ForegroundTimeout = defaultForegroundTimeout
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Manager{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: cfg.Metrics,
		table:   NewTable(),
	}
}

// Create opens a pty, starts a login shell on it and registers the session.
// On failure nothing is registered and any spawned shell is killed.
func (m *Manager) Create(opts Options) (uint32, error) {
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}
	cmd := m.shellCommand(opts.Dir)

	ctrl, sub, err := m.cfg.System.Open(rows, cols)
	if err != nil {
		m.metrics.CreateFailed("allocation")
		return 0, fmt.Errorf("%w: %w", ErrAllocation, err)
	}

	proc, err := sub.Spawn(cmd)
	sub.Close() // only the master side is kept
	if err != nil {
		ctrl.Close()
		m.metrics.CreateFailed("spawn")
		return 0, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Path, err)
	}

	writer, err := ctrl.Writer()
	if err != nil {
		m.abandon(ctrl, proc)
		m.metrics.CreateFailed("handle")
		return 0, fmt.Errorf("%w: writer: %w", ErrHandle, err)
	}
	reader, err := ctrl.Reader()
	if err != nil {
		m.abandon(ctrl, proc)
		m.metrics.CreateFailed("handle")
		return 0, fmt.Errorf("%w: reader: %w", ErrHandle, err)
	}

	id := m.table.Allocate()
	sess := &Session{
		ID:         id,
		PID:        proc.Pid(),
		Shell:      cmd.Path,
		Dir:        cmd.Dir,
		CreatedAt:  time.Now(),
		rows:       rows,
		cols:       cols,
		controller: ctrl,
		writer:     writer,
		process:    proc,
	}

	go m.reap(id, proc)
	go m.readLoop(id, reader)

	m.table.Insert(id, sess)
	m.metrics.SessionCreated()
	m.logger.Info("session created",
		zap.Uint32("session", id),
		zap.Int("pid", sess.PID),
		zap.String("shell", cmd.Path),
		zap.String("dir", cmd.Dir),
		zap.Uint16("rows", rows),
		zap.Uint16("cols", cols))
	return id, nil
}

func (m *Manager) abandon(ctrl Controller, proc Process) {
	proc.Kill()
	ctrl.Close()
	go proc.Wait()
}

// reap waits on the shell so it does not linger as a zombie. The session
// stays in the table until Close.
func (m *Manager) reap(id uint32, proc Process) {
	err := proc.Wait()
	m.logger.Debug("shell exited", zap.Uint32("session", id), zap.Error(err))
}

// readLoop drains the pty in chunks of up to readChunkSize bytes until end
// of stream or a read error and then emits exactly one Ended event. Each
// read is published at once; only a trailing partial UTF-8 sequence waits
// for the next read.
func (m *Manager) readLoop(id uint32, r io.Reader) {
	dec := newUTF8Decoder()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.metrics.Output(n)
			m.publishOutput(id, dec.decode(buf[:n], false))
		}
		if err != nil {
			m.publishOutput(id, dec.decode(nil, true))
			if !errors.Is(err, io.EOF) {
				m.logger.Debug("pty read ended", zap.Uint32("session", id), zap.Error(err))
			}
			break
		}
	}
	m.metrics.SessionEnded()
	m.sink.Publish(events.Event{SessionID: id, Kind: events.Ended})
}

func (m *Manager) publishOutput(id uint32, text string) {
	if text == "" {
		return
	}
	m.sink.Publish(events.Event{SessionID: id, Kind: events.Output, Data: text})
}

func (m *Manager) Write(id uint32, data []byte) error {
	sess, ok := m.table.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	if err := sess.write(data); err != nil {
		return err
	}
	m.metrics.Input(len(data))
	return nil
}

// Resize changes the terminal size. Pixel dimensions are always zero.
func (m *Manager) Resize(id uint32, rows, cols uint16) error {
	sess, ok := m.table.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	return sess.resize(rows, cols)
}

// Close removes the session and releases its handles. Closing an unknown or
// already closed id is a no-op. Close does not wait for the reader loop; its
// Ended event may arrive after Close returns.
func (m *Manager) Close(id uint32) error {
	sess, ok := m.table.Remove(id)
	if !ok {
		return nil
	}
	sess.release()
	m.metrics.SessionClosed()
	m.logger.Info("session closed", zap.Uint32("session", id))
	return nil
}

// ForegroundProcess names the process in the foreground of the session's
// terminal, falling back to the shell name. It never fails.
func (m *Manager) ForegroundProcess(ctx context.Context, id uint32) string {
	pid := 0
	if sess, ok := m.table.Lookup(id); ok {
		pid = sess.PID
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ForegroundTimeout)
	defer cancel()

	start := time.Now()
	name := m.cfg.Resolver.Resolve(ctx, pid)
	m.metrics.ObserveForeground(time.Since(start))
	return name
}

func (m *Manager) Info(id uint32) (Info, error) {
	sess, ok := m.table.Lookup(id)
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return sess.Info(), nil
}

// List returns the live sessions ordered by id.
func (m *Manager) List() []Info {
	ids := m.table.IDs()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if sess, ok := m.table.Lookup(id); ok {
			out = append(out, sess.Info())
		}
	}
	return out
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	for _, sess := range m.table.Drain() {
		sess.release()
		m.metrics.SessionClosed()
	}
}

// shellCommand builds the login shell invocation. The host process is not
// necessarily started from an interactive shell, so terminal and locale
// variables are set explicitly.
func (m *Manager) shellCommand(dir string) Command {
	shell := m.cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = home
		}
	}

	env := append(os.Environ(),
		"TERM="+m.cfg.Term,
		"COLORTERM=truecolor",
		"LANG="+m.cfg.Locale,
		"LC_ALL="+m.cfg.Locale,
	)
	return Command{
		Path: shell,
		Args: []string{"-" + filepath.Base(shell)},
		Env:  env,
		Dir:  dir,
	}
}

var _ Host = (*Manager)(nil)
