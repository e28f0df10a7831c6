package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

// ChatStepConfig configures one ChatStep. Provider is required; everything
// else has a usable default.
type ChatStepConfig struct {
	Provider types.Streamer
	Model    string
	Voice    string

	// CallTimeout bounds the whole model call, connect through last
	// delta. Default 60s.
	CallTimeout time.Duration

	// MaxContextTurns limits how many trailing history turns go into the
	// provider request. Zero means all of them.
	MaxContextTurns int

	// Callback, when set, routes text fragments through a sentence
	// watcher instead of forwarding them verbatim.
	Callback SentenceCallback
	Watcher  WatcherConfig

	// SchedulerWait bounds how long the timed-event scheduler waits for
	// its next event before giving up. Zero uses the scheduler default.
	SchedulerWait time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// StepResult is what one completed chat step produced.
type StepResult struct {
	Text      string
	AudioID   string
	ToolCalls []protocol.ToolCall
	Usage     types.UsageDelta

	// ServerError is the client-facing error string carried on the
	// end-of-response marker, empty on success.
	ServerError string
}

// toolCallBuffer accumulates the name and argument fragments of one
// logical tool call, in arrival order.
type toolCallBuffer struct {
	name string
	args string
}

// ChatStep issues one streamed model call and demultiplexes the response:
// audio bytes and externally supplied timed events go straight to the
// sink, text fragments route through the sentence watcher, tool-call
// fragments are assembled and parsed at stream end. Exactly one assistant
// turn is appended to the history, and only if the stream produced text
// or audio.
type ChatStep struct {
	cfg ChatStepConfig
}

func NewChatStep(cfg ChatStepConfig) *ChatStep {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Watcher.Logger == nil {
		cfg.Watcher.Logger = cfg.Logger
	}
	if cfg.Watcher.Metrics == nil {
		cfg.Watcher.Metrics = cfg.Metrics
	}
	return &ChatStep{cfg: cfg}
}

// Run executes one chat step. timed events must be resolvable against
// stream start; they are sorted by offset here and a pointer advances
// through them as deltas arrive, so a sparse stream delivers them late
// rather than early. Run never propagates provider failures: they end the
// stream with an error-flagged end-of-response marker and a nil error.
// The returned error is non-nil only when ctx itself is cancelled.
func (c *ChatStep) Run(ctx context.Context, system string, hist *History, timed []TimedEvent, sink Sink) (StepResult, error) {
	var res StepResult

	pending := make([]TimedEvent, len(timed))
	copy(pending, timed)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	next := 0

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req := types.Request{
		Model:  c.cfg.Model,
		System: system,
		Turns:  hist.Window(c.cfg.MaxContextTurns),
		Voice:  c.cfg.Voice,
	}
	stream, err := c.cfg.Provider.Stream(callCtx, req)
	if err != nil {
		c.cfg.Logger.Error("chat step: model call failed", "error", err)
		c.cfg.Metrics.RecordError("chat_step")
		res.ServerError = streamErrorString(err)
		c.finish(sink, pending, next, &res)
		return res, ctx.Err()
	}
	defer stream.Close()

	watching := c.cfg.Callback != nil
	var (
		fragQueue   *Queue[Fragment]
		schedQueue  *Queue[TimedEvent]
		scheduler   *Scheduler
		watcherDone chan struct{}
		schedDone   chan struct{}
	)
	if watching {
		fragQueue = NewQueue[Fragment]()
		schedQueue = NewQueue[TimedEvent]()
		watcher := NewSentenceWatcher(c.cfg.Callback, c.cfg.Watcher)
		watcherDone = make(chan struct{})
		go func() {
			defer close(watcherDone)
			// Run owns ctx errors; the watcher logs its own failures.
			_ = watcher.Run(ctx, fragQueue, schedQueue)
		}()
	}

	var text strings.Builder
	toolCalls := make(map[int]*toolCallBuffer)
	var toolOrder []int
	streamStart := time.Now()

	for {
		delta, err := stream.Next(callCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			c.cfg.Logger.Error("chat step: stream failed", "error", err)
			c.cfg.Metrics.RecordError("chat_step")
			res.ServerError = streamErrorString(err)
			break
		}

		if watching && scheduler == nil {
			// Start the scheduler at the first delta so its T0 matches
			// when the client actually starts hearing the response.
			scheduler = NewScheduler(SchedulerConfig{WaitTimeout: c.cfg.SchedulerWait, Logger: c.cfg.Logger, Metrics: c.cfg.Metrics})
			schedDone = make(chan struct{})
			t0 := time.Now()
			sched := scheduler
			go func() {
				defer close(schedDone)
				_ = sched.Run(ctx, t0, schedQueue, sink)
			}()
		}

		elapsed := time.Since(streamStart)
		for next < len(pending) && elapsed >= pending[next].Offset {
			sink.Send(pending[next].Payload)
			c.cfg.Metrics.RecordTimedEvent(false)
			next++
		}

		switch d := delta.(type) {
		case types.AudioDelta:
			if len(d.Data) > 0 {
				sink.SendBinary(d.Data)
				c.cfg.Metrics.RecordAudio("out", len(d.Data))
			}
			if res.AudioID == "" && d.ID != "" {
				res.AudioID = d.ID
			}
		case types.TextDelta:
			text.WriteString(d.Text)
			if watching {
				fragQueue.Put(Fragment{Text: d.Text})
			} else {
				sink.Send(protocol.NewTextChunk(d.Text))
			}
		case types.ToolCallDelta:
			buf, ok := toolCalls[d.Index]
			if !ok {
				buf = &toolCallBuffer{}
				toolCalls[d.Index] = buf
				toolOrder = append(toolOrder, d.Index)
			}
			buf.name += d.Name
			buf.args += d.Args
		case types.UsageDelta:
			res.Usage = d
			c.cfg.Metrics.RecordTokens(d.InputTokens, d.OutputTokens)
		default:
			c.cfg.Logger.Warn("chat step: unknown delta type", "type", delta.DeltaType())
		}
	}

	// Wind down in a fixed order: the watcher flushes its partial
	// sentence and releases the scheduler, the scheduler flushes every
	// pending timed event, leftover caller events go out, and only then
	// the end-of-response marker.
	if watching {
		fragQueue.Put(EndFragment())
		<-watcherDone
		if scheduler != nil {
			scheduler.Flush()
			<-schedDone
		} else {
			c.drainTimedQueue(schedQueue, sink)
		}
	}
	c.finish(sink, pending, next, &res)

	res.ToolCalls = c.assembleToolCalls(toolCalls, toolOrder)
	if len(res.ToolCalls) > 0 {
		sink.Send(protocol.NewToolCalls(res.ToolCalls))
	}

	res.Text = text.String()
	if res.ServerError == "" {
		c.appendTurn(hist, &res)
	}
	return res, ctx.Err()
}

// finish delivers any caller-supplied timed events the pointer never
// reached, then emits the end-of-response marker.
func (c *ChatStep) finish(sink Sink, pending []TimedEvent, next int, res *StepResult) {
	for ; next < len(pending); next++ {
		sink.Send(pending[next].Payload)
		c.cfg.Metrics.RecordTimedEvent(false)
	}
	sink.Send(protocol.NewEndOfResponse(res.ServerError))
}

// drainTimedQueue delivers watcher events synchronously when no scheduler
// run ever started (the stream ended before its first delta).
func (c *ChatStep) drainTimedQueue(q *Queue[TimedEvent], sink Sink) {
	for q.Len() > 0 {
		ev, err := q.Get(context.Background())
		if err != nil || ev.IsEndOfStream() {
			return
		}
		sink.Send(ev.Payload)
		c.cfg.Metrics.RecordTimedEvent(false)
	}
}

// assembleToolCalls parses each accumulated argument string. A parse
// failure drops that call only.
func (c *ChatStep) assembleToolCalls(buffers map[int]*toolCallBuffer, order []int) []protocol.ToolCall {
	if len(buffers) == 0 {
		return nil
	}
	calls := make([]protocol.ToolCall, 0, len(buffers))
	for _, index := range order {
		buf := buffers[index]
		var args map[string]any
		if err := json.Unmarshal([]byte(buf.args), &args); err != nil {
			c.cfg.Logger.Error("chat step: invalid tool arguments",
				"tool", buf.name, "index", index, "error", err)
			c.cfg.Metrics.RecordError("tool_call")
			continue
		}
		calls = append(calls, protocol.ToolCall{Name: buf.name, Args: args})
	}
	return calls
}

// appendTurn appends the assistant turn. Audio implies text: the provider
// sends the transcript alongside the audio, so an audio id with no text
// is treated as text missing, not audio missing.
func (c *ChatStep) appendTurn(hist *History, res *StepResult) {
	switch {
	case res.AudioID != "" && res.Text != "":
		hist.Append(types.Turn{Role: types.RoleAssistant, Text: res.Text, AudioID: res.AudioID})
	case res.Text != "":
		hist.Append(types.Turn{Role: types.RoleAssistant, Text: res.Text})
	default:
		c.cfg.Logger.Error("chat step: stream produced neither text nor audio")
		c.cfg.Metrics.RecordError("chat_step")
	}
}

func streamErrorString(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "model call timed out"
	}
	return "model stream failed"
}
