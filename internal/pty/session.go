package pty

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Session is one live shell and the pty handles it owns.
type Session struct {
	ID        uint32
	PID       int
	Shell     string
	Dir       string
	CreatedAt time.Time

	mu         sync.Mutex
	closed     bool
	rows, cols uint16
	controller Controller
	writer     io.WriteCloser
	process    Process
}

// Info is a snapshot of a session's metadata.
type Info struct {
	ID        uint32    `json:"id"`
	PID       int       `json:"pid"`
	Shell     string    `json:"shell"`
	Dir       string    `json:"dir"`
	Rows      uint16    `json:"rows"`
	Cols      uint16    `json:"cols"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.ID,
		PID:       s.PID,
		Shell:     s.Shell,
		Dir:       s.Dir,
		Rows:      s.rows,
		Cols:      s.cols,
		CreatedAt: s.CreatedAt,
	}
}

type flusher interface {
	Flush() error
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	n, err := s.writer.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("%w: write: %w", ErrIO, err)
	}
	if f, ok := s.writer.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flush: %w", ErrIO, err)
		}
	}
	return nil
}

func (s *Session) resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	if err := s.controller.Resize(rows, cols); err != nil {
		return fmt.Errorf("%w: resize: %w", ErrIO, err)
	}
	s.rows, s.cols = rows, cols
	return nil
}

// release kills the shell and drops the controller and writer. The process
// may already be gone, so kill and close errors are ignored.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.process.Kill()
	s.controller.Close()
	s.writer.Close()
}
