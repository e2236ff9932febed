// Package ptytest provides an in-memory session host for tests of the
// layers built on top of the pty manager.
package ptytest

import (
	"context"
	"sync"
	"time"

	"github.com/peterje/ptyhost/internal/events"
	ptymgr "github.com/peterje/ptyhost/internal/pty"
	"github.com/peterje/ptyhost/internal/procinfo"
)

// Host echoes every write back as output and publishes Ended when a session
// is closed.
type Host struct {
	Sink       events.Sink
	Foreground string

	mu        sync.Mutex
	next      uint32
	live      map[uint32]ptymgr.Info
	createErr error
	writeErr  error
}

func NewHost(sink events.Sink) *Host {
	if sink == nil {
		sink = events.Discard
	}
	return &Host{Sink: sink, Foreground: "vim", live: make(map[uint32]ptymgr.Info)}
}

// FailCreate makes later Create calls return err; nil restores success.
func (h *Host) FailCreate(err error) {
	h.mu.Lock()
	h.createErr = err
	h.mu.Unlock()
}

// FailWrite makes later writes to live sessions return err.
func (h *Host) FailWrite(err error) {
	h.mu.Lock()
	h.writeErr = err
	h.mu.Unlock()
}

func (h *Host) Create(opts ptymgr.Options) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return 0, h.createErr
	}
	h.next++
	h.live[h.next] = ptymgr.Info{
		ID:        h.next,
		PID:       1000 + int(h.next),
		Shell:     "/bin/sh",
		Dir:       opts.Dir,
		Rows:      opts.Rows,
		Cols:      opts.Cols,
		CreatedAt: time.Now(),
	}
	return h.next, nil
}

func (h *Host) Write(id uint32, data []byte) error {
	h.mu.Lock()
	_, ok := h.live[id]
	err := h.writeErr
	h.mu.Unlock()
	if !ok {
		return ptymgr.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	h.Sink.Publish(events.Event{SessionID: id, Kind: events.Output, Data: string(data)})
	return nil
}

func (h *Host) Resize(id uint32, rows, cols uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.live[id]
	if !ok {
		return ptymgr.ErrSessionNotFound
	}
	info.Rows, info.Cols = rows, cols
	h.live[id] = info
	return nil
}

func (h *Host) Close(id uint32) error {
	h.mu.Lock()
	_, ok := h.live[id]
	delete(h.live, id)
	h.mu.Unlock()
	if ok {
		h.Sink.Publish(events.Event{SessionID: id, Kind: events.Ended})
	}
	return nil
}

func (h *Host) ForegroundProcess(_ context.Context, id uint32) string {
	if _, err := h.Info(id); err != nil {
		return procinfo.Placeholder
	}
	return h.Foreground
}

func (h *Host) Info(id uint32) (ptymgr.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.live[id]
	if !ok {
		return ptymgr.Info{}, ptymgr.ErrSessionNotFound
	}
	return info, nil
}

// List returns live sessions ordered by id.
func (h *Host) List() []ptymgr.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ptymgr.Info, 0, len(h.live))
	for id := uint32(1); id <= h.next; id++ {
		if info, ok := h.live[id]; ok {
			out = append(out, info)
		}
	}
	return out
}

var _ ptymgr.Host = (*Host)(nil)
