package dialog

import (
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

// captureSink records everything sent to it, with receive times.
type captureSink struct {
	mu     sync.Mutex
	msgs   []protocol.ServerMessage
	times  []time.Time
	binary [][]byte
}

func (s *captureSink) Send(msg protocol.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	s.times = append(s.times, time.Now())
}

func (s *captureSink) SendBinary(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary = append(s.binary, data)
}

func (s *captureSink) messages() []protocol.ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ServerMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *captureSink) sentAt(i int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.times[i]
}

func (s *captureSink) binaryFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.binary))
	copy(out, s.binary)
	return out
}

func newTestChunk(content string) protocol.TextChunk {
	return protocol.NewTextChunk(content)
}

func textOf(msg protocol.ServerMessage) string {
	if tc, ok := msg.(protocol.TextChunk); ok {
		return tc.Content
	}
	return ""
}
