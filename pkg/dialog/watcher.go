package dialog

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/voxlane/voxlane/pkg/gateway/metrics"
)

// DefaultTerminals are the substrings that end a sentence. The comma is
// deliberate: clause boundaries are good moments to surface UI events.
var DefaultTerminals = []string{". ", "? ", "! ", ": ", ".\n", "?\n", "!\n", ":\n", ","}

// SentenceCallback is invoked once per completed sentence with the
// sentence and every sentence completed so far this stream. It returns
// timed events to schedule and whether the watcher should keep watching.
type SentenceCallback func(sentence string, sentences []string) ([]TimedEvent, bool, error)

// WatcherConfig tunes one SentenceWatcher run.
type WatcherConfig struct {
	// Terminals overrides DefaultTerminals when non-empty.
	Terminals []string

	// IdleTimeout bounds the wait for the next fragment; exceeding it
	// means the stream stalled. Default 60s.
	IdleTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SentenceWatcher reassembles sentences from a live stream of text
// fragments and drives a per-sentence callback. Not safe for reuse; one
// watcher serves one stream.
type SentenceWatcher struct {
	cfg       WatcherConfig
	callback  SentenceCallback
	buffer    string
	sentences []string
}

func NewSentenceWatcher(callback SentenceCallback, cfg WatcherConfig) *SentenceWatcher {
	if len(cfg.Terminals) == 0 {
		cfg.Terminals = DefaultTerminals
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SentenceWatcher{cfg: cfg, callback: callback}
}

// Sentences returns the sentences completed so far.
func (w *SentenceWatcher) Sentences() []string {
	out := make([]string, len(w.sentences))
	copy(out, w.sentences)
	return out
}

// Run consumes fragments from in until the end-of-stream sentinel, the
// callback stops watching, the context is cancelled, or no fragment
// arrives within IdleTimeout. On every exit path the end-of-stream
// sentinel is forwarded to out so the downstream scheduler terminates.
func (w *SentenceWatcher) Run(ctx context.Context, in *Queue[Fragment], out *Queue[TimedEvent]) error {
	defer out.Put(EndOfStream())

	for {
		waitCtx, cancel := context.WithTimeout(ctx, w.cfg.IdleTimeout)
		frag, err := in.Get(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == ErrQueueClosed {
				w.flush(out)
				return nil
			}
			// Stalled stream: give up without flushing a half sentence
			// the model may never have finished.
			w.cfg.Logger.Error("sentence watcher: timed out waiting for fragment",
				"idle_timeout", w.cfg.IdleTimeout)
			w.cfg.Metrics.RecordError("watcher")
			return nil
		}
		if frag.End {
			w.flush(out)
			return nil
		}
		if !w.handleFragment(frag.Text, out) {
			w.flush(out)
			return nil
		}
	}
}

// handleFragment appends the fragment and emits every completed sentence
// now present in the buffer. Returns false once the callback asks to stop.
func (w *SentenceWatcher) handleFragment(text string, out *Queue[TimedEvent]) bool {
	w.buffer += text
	for {
		idx, term := firstTerminal(w.buffer, w.cfg.Terminals)
		if idx < 0 {
			return true
		}
		sentence := w.buffer[:idx+len(term)]
		w.buffer = w.buffer[idx+len(term):]
		w.sentences = append(w.sentences, sentence)
		if !w.invoke(sentence, out) {
			return false
		}
	}
}

// flush forces the buffered partial sentence, if any, through the callback
// one last time. The callback's keep-watching result is ignored; nothing
// more will be scanned.
func (w *SentenceWatcher) flush(out *Queue[TimedEvent]) {
	if w.buffer == "" {
		return
	}
	sentence := w.buffer
	w.buffer = ""
	w.invoke(sentence, out)
}

// invoke runs the callback, forwarding its events to out in offset order.
// Callback panics and errors are contained here: they log and leave the
// watcher accumulating.
func (w *SentenceWatcher) invoke(sentence string, out *Queue[TimedEvent]) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			w.cfg.Logger.Error("sentence watcher: callback panicked", "panic", r)
			w.cfg.Metrics.RecordError("watcher_callback")
			keep = true
		}
	}()

	w.cfg.Metrics.RecordSentence()
	events, keepWatching, err := w.callback(sentence, w.sentences)
	if err != nil {
		w.cfg.Logger.Error("sentence watcher: callback failed", "error", err)
		w.cfg.Metrics.RecordError("watcher_callback")
		return true
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })
	for _, ev := range events {
		out.Put(ev)
	}
	return keepWatching
}

// firstTerminal finds the earliest terminal occurrence in s. A longer
// terminal wins a tie at the same index. Returns (-1, "") on no match.
func firstTerminal(s string, terminals []string) (int, string) {
	best := -1
	bestTerm := ""
	for _, term := range terminals {
		idx := strings.Index(s, term)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best || (idx == best && len(term) > len(bestTerm)) {
			best = idx
			bestTerm = term
		}
	}
	return best, bestTerm
}
