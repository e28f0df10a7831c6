package dialog

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

type fakeStream struct {
	deltas   []types.Delta
	finalErr error // returned after the deltas instead of io.EOF
	perDelta time.Duration
	closed   bool
}

func (s *fakeStream) Next(ctx context.Context) (types.Delta, error) {
	if s.perDelta > 0 {
		select {
		case <-time.After(s.perDelta):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(s.deltas) == 0 {
		if s.finalErr != nil {
			return nil, s.finalErr
		}
		return nil, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	stream   *fakeStream
	startErr error
	gotReq   types.Request
}

func (p *fakeProvider) Stream(ctx context.Context, req types.Request) (types.DeltaStream, error) {
	p.gotReq = req
	if p.startErr != nil {
		return nil, p.startErr
	}
	return p.stream, nil
}

func lastMessage(t *testing.T, sink *captureSink) protocol.ServerMessage {
	t.Helper()
	msgs := sink.messages()
	if len(msgs) == 0 {
		t.Fatal("sink received no messages")
	}
	return msgs[len(msgs)-1]
}

func TestChatStep_DemuxWithoutWatcher(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{deltas: []types.Delta{
		types.TextDelta{Text: "Hi "},
		types.AudioDelta{Data: []byte{1, 2, 3}, ID: "aud_1"},
		types.TextDelta{Text: "there."},
		types.UsageDelta{InputTokens: 10, OutputTokens: 4},
	}}}

	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m"})

	res, err := step.Run(context.Background(), "be brief", hist, nil, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hi there." {
		t.Fatalf("res.Text = %q", res.Text)
	}
	if res.AudioID != "aud_1" {
		t.Fatalf("res.AudioID = %q", res.AudioID)
	}
	if res.Usage.OutputTokens != 4 {
		t.Fatalf("res.Usage = %+v", res.Usage)
	}

	// Text chunks forwarded verbatim when no watcher is attached.
	var chunks []string
	for _, msg := range sink.messages() {
		if tc, ok := msg.(protocol.TextChunk); ok {
			chunks = append(chunks, tc.Content)
		}
	}
	if len(chunks) != 2 || chunks[0] != "Hi " || chunks[1] != "there." {
		t.Fatalf("chunks = %q", chunks)
	}
	frames := sink.binaryFrames()
	if len(frames) != 1 || len(frames[0]) != 3 {
		t.Fatalf("binary frames = %v", frames)
	}
	if _, ok := lastMessage(t, sink).(protocol.EndOfResponse); !ok {
		t.Fatalf("last message = %T, want EndOfResponse", lastMessage(t, sink))
	}

	// Exactly one assistant turn, with the continuation handle.
	turn, ok := hist.Last()
	if !ok || hist.Len() != 1 {
		t.Fatalf("history len = %d, want 1", hist.Len())
	}
	if turn.Role != types.RoleAssistant || turn.Text != "Hi there." || turn.AudioID != "aud_1" {
		t.Fatalf("turn = %+v", turn)
	}
	if !provider.stream.closed {
		t.Fatal("stream not closed")
	}
	if provider.gotReq.System != "be brief" {
		t.Fatalf("request system = %q", provider.gotReq.System)
	}
}

func TestChatStep_ToolCallAssemblyIsolatesParseFailures(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{deltas: []types.Delta{
		types.ToolCallDelta{Index: 0, Name: "look", Args: `{"q":`},
		types.ToolCallDelta{Index: 1, Name: "bro", Args: `{"oops"`},
		types.ToolCallDelta{Index: 0, Name: "up", Args: `"cars"}`},
		types.ToolCallDelta{Index: 1, Name: "ken", Args: `:}`},
		types.TextDelta{Text: "done"},
	}}}

	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m"})

	res, err := step.Run(context.Background(), "", hist, nil, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v, want exactly the parseable one", res.ToolCalls)
	}
	if res.ToolCalls[0].Name != "lookup" {
		t.Fatalf("tool name = %q, want %q", res.ToolCalls[0].Name, "lookup")
	}
	if res.ToolCalls[0].Args["q"] != "cars" {
		t.Fatalf("tool args = %v", res.ToolCalls[0].Args)
	}
}

func TestChatStep_CallerTimedEventsFlushedBeforeEndOfResponse(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{deltas: []types.Delta{
		types.TextDelta{Text: "quick"},
	}}}

	timed := []TimedEvent{
		timedText(2*time.Hour, "way late"),
		timedText(0, "now"),
	}
	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m"})

	if _, err := step.Run(context.Background(), "", hist, timed, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := sink.messages()
	endIdx := -1
	for i, msg := range msgs {
		if _, ok := msg.(protocol.EndOfResponse); ok {
			endIdx = i
		}
	}
	if endIdx != len(msgs)-1 {
		t.Fatalf("end_of_response at %d of %d, want last", endIdx, len(msgs))
	}
	// Offset order preserved: "now" (0) before "way late" (2h), both
	// before the marker.
	var nowIdx, lateIdx int
	for i, msg := range msgs {
		if tc, ok := msg.(protocol.TextChunk); ok {
			if tc.Content == "now" {
				nowIdx = i
			}
			if tc.Content == "way late" {
				lateIdx = i
			}
		}
	}
	if !(nowIdx < lateIdx && lateIdx < endIdx) {
		t.Fatalf("delivery order wrong: now=%d late=%d end=%d", nowIdx, lateIdx, endIdx)
	}
}

func TestChatStep_WatcherEventsFlushedBeforeEndOfResponse(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{deltas: []types.Delta{
		types.TextDelta{Text: "One. "},
		types.TextDelta{Text: "Two. "},
	}}}

	cb := func(sentence string, sentences []string) ([]TimedEvent, bool, error) {
		// Offsets far in the future; only the end-of-stream flush can
		// deliver these in test time.
		offset := time.Duration(len(sentences)) * time.Hour
		return []TimedEvent{{Offset: offset, Payload: protocol.NewWebElement("image", map[string]any{"n": len(sentences)})}}, true, nil
	}

	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m", Callback: cb})

	start := time.Now()
	if _, err := step.Run(context.Background(), "", hist, nil, sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("run took %v, flush did not short-circuit offsets", time.Since(start))
	}

	msgs := sink.messages()
	var elements []int
	endIdx := -1
	for i, msg := range msgs {
		switch msg.(type) {
		case protocol.WebElement:
			elements = append(elements, i)
		case protocol.EndOfResponse:
			endIdx = i
		case protocol.TextChunk:
			t.Fatalf("text chunk forwarded verbatim at %d despite watcher", i)
		}
	}
	if len(elements) != 2 {
		t.Fatalf("delivered %d web elements, want 2", len(elements))
	}
	for _, idx := range elements {
		if idx > endIdx {
			t.Fatalf("web element at %d after end_of_response at %d", idx, endIdx)
		}
	}
}

func TestChatStep_EmptyStreamAppendsNoTurn(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{}}

	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m"})

	res, err := step.Run(context.Background(), "", hist, nil, sink)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ServerError != "" {
		t.Fatalf("ServerError = %q, want empty", res.ServerError)
	}
	if hist.Len() != 0 {
		t.Fatalf("history len = %d, want 0", hist.Len())
	}
	end, ok := lastMessage(t, sink).(protocol.EndOfResponse)
	if !ok || end.ServerError != "" {
		t.Fatalf("last message = %+v, want clean EndOfResponse", lastMessage(t, sink))
	}
}

func TestChatStep_StreamFailureEndsWithErrorMarker(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{
		deltas:   []types.Delta{types.TextDelta{Text: "par"}},
		finalErr: errors.New("connection reset"),
	}}

	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m"})

	res, err := step.Run(context.Background(), "", hist, nil, sink)
	if err != nil {
		t.Fatalf("Run() error = %v, failures must not propagate", err)
	}
	if res.ServerError == "" {
		t.Fatal("ServerError empty, want failure string")
	}
	if hist.Len() != 0 {
		t.Fatalf("history len = %d, want 0 after failed stream", hist.Len())
	}
	end, ok := lastMessage(t, sink).(protocol.EndOfResponse)
	if !ok || end.ServerError == "" {
		t.Fatalf("last message = %+v, want error-flagged EndOfResponse", lastMessage(t, sink))
	}
}

func TestChatStep_ModelCallTimeout(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{
		deltas:   []types.Delta{types.TextDelta{Text: "a"}, types.TextDelta{Text: "b"}},
		perDelta: 200 * time.Millisecond,
	}}

	hist := NewHistory()
	sink := &captureSink{}
	step := NewChatStep(ChatStepConfig{Provider: provider, Model: "m", CallTimeout: 50 * time.Millisecond})

	res, err := step.Run(context.Background(), "", hist, nil, sink)
	if err != nil {
		t.Fatalf("Run() error = %v, timeout must not propagate", err)
	}
	if res.ServerError != "model call timed out" {
		t.Fatalf("ServerError = %q", res.ServerError)
	}
	if hist.Len() != 0 {
		t.Fatalf("history len = %d, want 0 after timeout", hist.Len())
	}
}

func TestManager_StepAppendsBothTurnsAndClosesStep(t *testing.T) {
	provider := &fakeProvider{stream: &fakeStream{deltas: []types.Delta{
		types.TextDelta{Text: "Sure thing."},
	}}}

	m := NewManager(ManagerConfig{
		Step:   ChatStepConfig{Provider: provider, Model: "m"},
		System: "sell cars",
	})
	sink := &captureSink{}

	res := m.Step(context.Background(), "hello", nil, sink)
	if res.ServerError != "" {
		t.Fatalf("ServerError = %q", res.ServerError)
	}

	hist := m.History()
	if hist.Len() != 2 {
		t.Fatalf("history len = %d, want 2", hist.Len())
	}
	turns := hist.Snapshot()
	if turns[0].Role != types.RoleUser || turns[0].Text != "hello" {
		t.Fatalf("turns[0] = %+v", turns[0])
	}
	if turns[1].Role != types.RoleAssistant || turns[1].Text != "Sure thing." {
		t.Fatalf("turns[1] = %+v", turns[1])
	}
	if _, ok := lastMessage(t, sink).(protocol.EndOfDialogStep); !ok {
		t.Fatalf("last message = %T, want EndOfDialogStep", lastMessage(t, sink))
	}
}
