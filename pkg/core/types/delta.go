package types

// Delta is one incremental fragment of a streamed model response. Deltas
// are ephemeral: consumed as they arrive, never stored.
type Delta interface {
	DeltaType() string
}

// TextDelta contains incremental text content.
type TextDelta struct {
	Text string
}

func (TextDelta) DeltaType() string { return "text" }

// AudioDelta contains a raw audio fragment, already decoded from the
// provider's wire encoding. ID, when set, is the provider's continuation
// handle for this response's audio; it can arrive on a fragment with no
// data.
type AudioDelta struct {
	Data   []byte
	Format string // "mp3", "pcm16", ...
	ID     string
}

func (AudioDelta) DeltaType() string { return "audio" }

// ToolCallDelta is a partial tool call. Fragments sharing an Index belong
// to the same logical call; Name and Args are concatenated in arrival
// order before the assembled Args string is parsed at stream end.
type ToolCallDelta struct {
	Index int
	Name  string
	Args  string
}

func (ToolCallDelta) DeltaType() string { return "tool_call" }

// UsageDelta is the terminal usage/metrics snapshot for a stream.
type UsageDelta struct {
	InputTokens  int
	OutputTokens int
}

func (UsageDelta) DeltaType() string { return "usage" }
