package types

// Role tags one side of a dialog.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one complete logical message in a dialog history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`

	// AudioID is a provider-issued continuation handle that lets the
	// provider resume audio context on the next call. Opaque to everything
	// except the provider that issued it.
	AudioID string `json:"audio_id,omitempty"`
}

// Request describes one streamed completion call.
type Request struct {
	Model  string
	System string
	Turns  []Turn

	// Voice selects the provider voice for audio output; empty disables
	// audio modality.
	Voice string
}
