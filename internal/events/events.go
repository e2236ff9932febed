// Package events carries session output from pty reader loops to
// consumers.
package events

// Kind distinguishes output chunks from end-of-session notices.
type Kind uint8

const (
	Output Kind = iota + 1
	Ended
)

func (k Kind) String() string {
	switch k {
	case Output:
		return "output"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is emitted by a session's reader loop. Data is only set for Output
// and may contain U+FFFD where the pty produced invalid UTF-8.
type Event struct {
	SessionID uint32
	Kind      Kind
	Data      string
}

// Sink receives events. Publish is called from reader goroutines and must
// not block for long.
type Sink interface {
	Publish(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})
