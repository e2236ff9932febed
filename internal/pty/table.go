package pty

import (
	"slices"
	"sync"
)

// Table maps session ids to live sessions. An id is present exactly while
// its session is live; Remove is the single point where a session closes.
type Table struct {
	mu       sync.Mutex
	nextID   uint32
	sessions map[uint32]*Session
}

func NewTable() *Table {
	return &Table{
		nextID:   1,
		sessions: make(map[uint32]*Session),
	}
}

// Allocate returns an id greater than every id handed out before.
func (t *Table) Allocate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return id
}

func (t *Table) Insert(id uint32, s *Session) {
	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
}

func (t *Table) Lookup(id uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Remove deletes id and returns its session. Removing an unknown id
// reports false and changes nothing.
func (t *Table) Remove(id uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

// Drain removes and returns every session.
func (t *Table) Drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.sessions = make(map[uint32]*Session)
	return out
}

// IDs returns the live ids in ascending order.
func (t *Table) IDs() []uint32 {
	t.mu.Lock()
	ids := make([]uint32, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
