package openai

import "github.com/voxlane/voxlane/pkg/core/types"

type chatMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Audio   *messageAudio `json:"audio,omitempty"`
}

type messageAudio struct {
	ID string `json:"id"`
}

type audioParams struct {
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
	Modalities    []string      `json:"modalities,omitempty"`
	Audio         *audioParams  `json:"audio,omitempty"`
}

func buildRequest(req types.Request) chatRequest {
	messages := make([]chatMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.Turns {
		msg := chatMessage{Role: string(turn.Role)}
		// An assistant turn with an audio continuation handle is
		// referenced by id instead of replayed as text.
		if turn.Role == types.RoleAssistant && turn.AudioID != "" {
			msg.Audio = &messageAudio{ID: turn.AudioID}
		} else {
			msg.Content = turn.Text
		}
		messages = append(messages, msg)
	}

	out := chatRequest{
		Model:         req.Model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	}
	if req.Voice != "" {
		out.Modalities = []string{"text", "audio"}
		out.Audio = &audioParams{Voice: req.Voice, Format: "pcm16"}
	}
	return out
}
