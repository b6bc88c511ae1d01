package session

import "github.com/inknowing/dialogue-runtime/pkg/dialogue"

// TurnEvent is one element of the lazy, finite token sequence submitTurn
// returns (spec §4.1). Exactly one of Delta, Reference, or Err is set per
// event; Done is set on the final event (alongside Usage on success).
type TurnEvent struct {
	Delta     string
	Reference *dialogue.Reference
	Done      bool
	Usage     dialogue.Usage
	Err       error
}

// TurnStream is the caller-visible handle for a submitted turn: a channel
// of [TurnEvent] terminated by exactly one event with Done == true.
type TurnStream struct {
	events chan TurnEvent
}

func newTurnStream(buffer int) *TurnStream {
	return &TurnStream{events: make(chan TurnEvent, buffer)}
}

// Events returns the event channel. It is closed after the terminal event
// is delivered.
func (s *TurnStream) Events() <-chan TurnEvent { return s.events }

func (s *TurnStream) emit(e TurnEvent) { s.events <- e }

func (s *TurnStream) close() { close(s.events) }

// NewTestStream constructs a [TurnStream] for other packages' tests that
// need to fake a Sessions-shaped dependency (e.g. the Transport Gateway's
// handler tests) without driving a real worker. done must be called exactly
// once, after the last emit, to terminate the stream.
func NewTestStream() (stream *TurnStream, emit func(TurnEvent), done func()) {
	s := newTurnStream(8)
	return s, s.emit, s.close
}
