package types

import "context"

// DeltaStream yields the deltas of one streamed completion. Next returns
// io.EOF after the final delta; Close releases the underlying transport
// and is safe to call more than once.
type DeltaStream interface {
	Next(ctx context.Context) (Delta, error)
	Close() error
}

// Streamer starts one streamed completion. It is the only capability the
// dialog core needs from a model provider.
type Streamer interface {
	Stream(ctx context.Context, req Request) (DeltaStream, error)
}

// TranscribeRequest carries one complete audio recording to a speech-to-
// text model.
type TranscribeRequest struct {
	Model    string
	Audio    []byte
	Filename string
}

// Transcriber turns a recorded user utterance into text. Providers that
// cannot transcribe simply do not implement it.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (string, error)
}
