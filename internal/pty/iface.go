package pty

import (
	"context"
	"io"
)

// System opens pseudo-terminal pairs.
type System interface {
	Open(rows, cols uint16) (Controller, Subordinate, error)
}

// Controller is the master side of an open pseudo-terminal.
type Controller interface {
	Resize(rows, cols uint16) error
	Writer() (io.WriteCloser, error)
	Reader() (io.Reader, error)
	Close() error
}

// Subordinate is the side of the pair a shell is attached to. It is only
// needed until the shell has been spawned.
type Subordinate interface {
	Spawn(cmd Command) (Process, error)
	Close() error
}

// Process is a shell spawned on a subordinate.
type Process interface {
	Pid() int
	Kill() error
	Wait() error
}

// Command describes the program to spawn on a subordinate.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// SessionManager is the set of operations exposed to consumers of a
// session host, whether in-process or over the control socket.
type SessionManager interface {
	Create(opts Options) (uint32, error)
	Write(id uint32, data []byte) error
	Resize(id uint32, rows, cols uint16) error
	Close(id uint32) error
	ForegroundProcess(ctx context.Context, id uint32) string
}

// Host is a SessionManager that can also describe its sessions.
type Host interface {
	SessionManager
	Info(id uint32) (Info, error)
	List() []Info
}
