package dialog

import "github.com/voxlane/voxlane/pkg/core/types"

// History is the ordered dialog for one session. It is owned by exactly
// one actor at a time: the accepting-input gate guarantees a single
// in-flight writer, so no locking is needed here.
type History struct {
	turns []types.Turn
}

func NewHistory() *History {
	return &History{turns: make([]types.Turn, 0, 16)}
}

func (h *History) Append(t types.Turn) {
	h.turns = append(h.turns, t)
}

func (h *History) Len() int {
	return len(h.turns)
}

func (h *History) Last() (types.Turn, bool) {
	if len(h.turns) == 0 {
		return types.Turn{}, false
	}
	return h.turns[len(h.turns)-1], true
}

// Snapshot returns a copy of the full history.
func (h *History) Snapshot() []types.Turn {
	out := make([]types.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Window returns a copy of the last n turns, or everything when n <= 0.
func (h *History) Window(n int) []types.Turn {
	if n <= 0 || n >= len(h.turns) {
		return h.Snapshot()
	}
	out := make([]types.Turn, n)
	copy(out, h.turns[len(h.turns)-n:])
	return out
}
