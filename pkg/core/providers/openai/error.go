package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Error is a non-2xx response from the API.
type Error struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("openai: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("openai: status %d", e.StatusCode)
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseError(resp *http.Response) error {
	out := &Error{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return out
	}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil {
		out.Type = env.Error.Type
		out.Code = env.Error.Code
		out.Message = env.Error.Message
	}
	return out
}
