package openai

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/voxlane/voxlane/pkg/core/types"
)

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Audio   *struct {
				ID         string `json:"id"`
				Transcript string `json:"transcript"`
				Data       string `json:"data"`
			} `json:"audio"`
			ToolCalls []struct {
				Index    int `json:"index"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// deltaStream reads server-sent events off the response body and turns
// each chunk into zero or more deltas. A single chunk can carry text,
// audio, and tool call fragments at once, so decoded deltas queue in
// pending until Next drains them.
type deltaStream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	pending []types.Delta
	usage   types.UsageDelta
	done    bool

	closeOnce sync.Once
	closeErr  error
}

func newDeltaStream(body io.ReadCloser) *deltaStream {
	return &deltaStream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

func (s *deltaStream) Next(ctx context.Context) (types.Delta, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending = s.pending[1:]
			return d, nil
		}
		if s.done {
			return nil, io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Stream ended without [DONE]; still surface usage.
				s.finish()
				continue
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			s.finish()
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Malformed chunks are dropped rather than killing the stream.
			continue
		}
		s.pending = append(s.pending, decodeChunk(&chunk, &s.usage)...)
	}
}

// finish closes out the stream: the usage snapshot becomes the final
// delta before io.EOF.
func (s *deltaStream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.pending = append(s.pending, s.usage)
}

func (s *deltaStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func decodeChunk(chunk *chatChunk, usage *types.UsageDelta) []types.Delta {
	if chunk.Usage != nil {
		usage.InputTokens = chunk.Usage.PromptTokens
		usage.OutputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	var out []types.Delta
	delta := chunk.Choices[0].Delta

	if delta.Content != "" {
		out = append(out, types.TextDelta{Text: delta.Content})
	}
	if delta.Audio != nil {
		if delta.Audio.Transcript != "" {
			out = append(out, types.TextDelta{Text: delta.Audio.Transcript})
		}
		var data []byte
		if delta.Audio.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(delta.Audio.Data)
			if err == nil {
				data = decoded
			}
		}
		if len(data) > 0 || delta.Audio.ID != "" {
			out = append(out, types.AudioDelta{Data: data, Format: "pcm16", ID: delta.Audio.ID})
		}
	}
	for _, tc := range delta.ToolCalls {
		out = append(out, types.ToolCallDelta{
			Index: tc.Index,
			Name:  tc.Function.Name,
			Args:  tc.Function.Arguments,
		})
	}
	return out
}
