package events

import (
	"sync"
	"unicode/utf8"
)

const (
	DefaultReplaySize = 100 * 1024 // 100KB replay buffer per session
	subscriberBuffer  = 256

	// endedMemory is how many ended session ids are remembered so a late
	// subscriber still gets a closed channel.
	endedMemory = 1024
)

type stream struct {
	replay []byte
	subs   map[chan Event]struct{}
}

// Bus fans events out to per-session subscribers and to attached sinks.
// It keeps a bounded replay of each session's output so a late subscriber
// can catch up, and drops it once the session ends.
type Bus struct {
	replaySize int

	mu         sync.Mutex
	streams    map[uint32]*stream
	ended      map[uint32]struct{}
	endedOrder []uint32

	sinkMu sync.RWMutex
	sinks  []Sink
}

func NewBus(replaySize int) *Bus {
	if replaySize <= 0 {
		replaySize = DefaultReplaySize
	}
	return &Bus{
		replaySize: replaySize,
		streams:    make(map[uint32]*stream),
		ended:      make(map[uint32]struct{}),
	}
}

// Attach registers a sink that is called synchronously for every event.
func (b *Bus) Attach(s Sink) {
	b.sinkMu.Lock()
	b.sinks = append(b.sinks, s)
	b.sinkMu.Unlock()
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if _, done := b.ended[ev.SessionID]; !done {
		switch ev.Kind {
		case Output:
			st := b.streamLocked(ev.SessionID)
			b.appendReplay(st, ev.Data)
			for ch := range st.subs {
				select {
				case ch <- ev:
				default:
					// Slow subscriber, drop data
				}
			}
		case Ended:
			if st, ok := b.streams[ev.SessionID]; ok {
				for ch := range st.subs {
					select {
					case ch <- ev:
					default:
					}
					close(ch)
				}
				st.subs = nil
			}
			b.markEndedLocked(ev.SessionID)
		}
	}
	b.mu.Unlock()

	b.sinkMu.RLock()
	sinks := b.sinks
	b.sinkMu.RUnlock()
	for _, s := range sinks {
		s.Publish(ev)
	}
}

// markEndedLocked drops the session's stream and remembers the id among the
// most recent endedMemory ended sessions.
func (b *Bus) markEndedLocked(id uint32) {
	delete(b.streams, id)
	b.ended[id] = struct{}{}
	b.endedOrder = append(b.endedOrder, id)
	if len(b.endedOrder) > endedMemory {
		delete(b.ended, b.endedOrder[0])
		b.endedOrder = b.endedOrder[1:]
	}
}

// Subscribe returns the replayed output of session id and a channel of its
// subsequent events, taken atomically so nothing falls between the two. The
// channel is closed after the Ended event or when cancel is called; for a
// session that has already ended it is returned closed.
func (b *Bus) Subscribe(id uint32) (replay string, events <-chan Event, cancel func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.ended[id]; done {
		close(ch)
		return "", ch, func() {}
	}
	st := b.streamLocked(id)
	st.subs[ch] = struct{}{}

	cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := st.subs[ch]; !ok {
			return
		}
		delete(st.subs, ch)
		close(ch)
		// A stream with nothing buffered and nobody listening is recreated
		// on demand.
		if len(st.subs) == 0 && len(st.replay) == 0 && b.streams[id] == st {
			delete(b.streams, id)
		}
	}
	return string(st.replay), ch, cancel
}

// Replay returns a copy of the buffered output of session id.
func (b *Bus) Replay(id uint32) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[id]; ok {
		return string(st.replay)
	}
	return ""
}

func (b *Bus) streamLocked(id uint32) *stream {
	st, ok := b.streams[id]
	if !ok {
		st = &stream{subs: make(map[chan Event]struct{})}
		b.streams[id] = st
	}
	return st
}

func (b *Bus) appendReplay(st *stream, data string) {
	st.replay = append(st.replay, data...)
	if len(st.replay) > b.replaySize {
		cut := len(st.replay) - b.replaySize
		// Keep the buffer starting on a rune boundary.
		for cut < len(st.replay) && !utf8.RuneStart(st.replay[cut]) {
			cut++
		}
		st.replay = st.replay[cut:]
	}
}
