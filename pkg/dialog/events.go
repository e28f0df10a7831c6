package dialog

import (
	"time"

	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

// Sink accepts outbound traffic for one session: tagged event objects and
// raw binary audio frames. The session output queue satisfies it.
type Sink interface {
	Send(msg protocol.ServerMessage)
	SendBinary(data []byte)
}

// TimedEvent is a UI payload scheduled for delivery no earlier than
// Offset after stream start. Offsets are never negative for real events;
// a negative offset with a nil payload is the end-of-stream sentinel.
type TimedEvent struct {
	Offset  time.Duration
	Payload protocol.ServerMessage
}

// EndOfStream returns the sentinel that terminates an internal timed-event
// queue. No legitimate event can equal it.
func EndOfStream() TimedEvent {
	return TimedEvent{Offset: -1}
}

func (e TimedEvent) IsEndOfStream() bool {
	return e.Offset < 0 && e.Payload == nil
}

// Fragment is one item on the watcher's input queue. End marks the
// end-of-stream sentinel; legitimate fragments always have End false.
type Fragment struct {
	Text string
	End  bool
}

// EndFragment returns the watcher input sentinel.
func EndFragment() Fragment {
	return Fragment{End: true}
}

// Outbound is one item on a session output queue: a tagged event object
// or a raw binary audio frame, never both.
type Outbound struct {
	Msg    protocol.ServerMessage
	Binary []byte
}

// OutboundQueue adapts an unbounded queue of Outbound items to the Sink
// interface. Sends to a closed queue are dropped; the session is gone.
type OutboundQueue struct {
	*Queue[Outbound]
}

func NewOutboundQueue() OutboundQueue {
	return OutboundQueue{NewQueue[Outbound]()}
}

func (q OutboundQueue) Send(msg protocol.ServerMessage) {
	q.Put(Outbound{Msg: msg})
}

func (q OutboundQueue) SendBinary(data []byte) {
	q.Put(Outbound{Binary: data})
}
