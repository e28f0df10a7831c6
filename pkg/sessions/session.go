// Package sessions holds per-client session state: the dialog manager,
// the input and output queues, and the registry plus lifecycle sweeper
// that govern session lifetime.
package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/pkg/dialog"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

// Conn is the transport connection bound to a session. The gorilla
// websocket connection satisfies it; eviction only ever needs Close.
type Conn interface {
	Close() error
}

// Session is the server-side state for one logged-in client. It is owned
// by the registry; the active connection borrows a reference.
type Session struct {
	ID      string
	Manager *dialog.Manager

	// Input carries client events to the session loop. Many producers
	// (HTTP handlers), one consumer.
	Input *dialog.Queue[protocol.ClientMessage]

	// Output carries audio frames and tagged events to the transport
	// loop. It satisfies dialog.Sink.
	Output dialog.OutboundQueue

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nanos
	accepting    atomic.Bool
	killed       atomic.Bool

	connMu  sync.Mutex
	conn    Conn
	hadConn bool
}

func New(id string, manager *dialog.Manager) *Session {
	s := &Session{
		ID:      id,
		Manager: manager,
		Input:   dialog.NewQueue[protocol.ClientMessage](),
		Output:  dialog.NewOutboundQueue(),

		createdAt: time.Now(),
	}
	s.Touch()
	return s
}

// Touch records activity now.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}

// SetAccepting opens or closes the input gate. While closed, inbound
// events are rejected at the boundary rather than queued, which keeps a
// second dialog step from racing the one in flight.
func (s *Session) SetAccepting(v bool) {
	s.accepting.Store(v)
}

func (s *Session) Accepting() bool {
	return s.accepting.Load()
}

// RequestKill marks the session for removal by the sweeper.
func (s *Session) RequestKill() {
	s.killed.Store(true)
}

func (s *Session) KillRequested() bool {
	return s.killed.Load()
}

// AttachConn binds the transport connection. Only one connection may be
// attached at a time; attaching replaces (and does not close) the old one.
func (s *Session) AttachConn(c Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = c
	s.hadConn = true
}

// HasConn reports whether a connection is currently attached.
func (s *Session) HasConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// DetachConn clears the bound connection when the transport loop exits.
func (s *Session) DetachConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = nil
}

// Disconnected reports whether a connection was attached and has since
// gone away.
func (s *Session) Disconnected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.hadConn && s.conn == nil
}

// CloseConn closes the bound connection, swallowing close errors. Safe
// with no connection attached.
func (s *Session) CloseConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Shutdown releases everything the session owns: the connection and both
// queues, waking any blocked producers or consumers.
func (s *Session) Shutdown() {
	s.SetAccepting(false)
	s.CloseConn()
	s.Input.Close()
	s.Output.Close()
}
