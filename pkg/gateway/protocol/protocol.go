// Package protocol defines the tagged wire messages exchanged with the
// browser client. JSON frames carry tagged event objects; binary frames
// carry raw audio and have no envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ServerMessage is any tagged event object sent to the client. The Type
// discriminant travels on the wire so the client can dispatch without the
// transport layer interpreting payloads.
type ServerMessage interface {
	MessageType() string
}

type TextChunk struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (TextChunk) MessageType() string { return "text_chunk" }

func NewTextChunk(content string) TextChunk {
	return TextChunk{Type: "text_chunk", Content: content}
}

type AiStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (AiStatus) MessageType() string { return "ai_status" }

func NewAiStatus(status string) AiStatus {
	return AiStatus{Type: "ai_status", Status: status}
}

type TranscriptionCompleted struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TranscriptionCompleted) MessageType() string { return "transcription_completed" }

func NewTranscriptionCompleted(text string) TranscriptionCompleted {
	return TranscriptionCompleted{Type: "transcription_completed", Text: text}
}

// ToolCall is one assembled tool invocation emitted at stream end.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type ToolCalls struct {
	Type  string     `json:"type"`
	Calls []ToolCall `json:"calls"`
}

func (ToolCalls) MessageType() string { return "tool_calls" }

func NewToolCalls(calls []ToolCall) ToolCalls {
	return ToolCalls{Type: "tool_calls", Calls: calls}
}

// EndOfResponse marks the end of one streamed model response. ServerError
// is set when the stream ended on a timeout or provider failure.
type EndOfResponse struct {
	Type        string `json:"type"`
	ServerError string `json:"server_error,omitempty"`
}

func (EndOfResponse) MessageType() string { return "end_of_response" }

func NewEndOfResponse(serverError string) EndOfResponse {
	return EndOfResponse{Type: "end_of_response", ServerError: serverError}
}

// EndOfDialogStep marks the end of one client-visible dialog step, which
// may span several model responses.
type EndOfDialogStep struct {
	Type        string `json:"type"`
	ServerError string `json:"server_error,omitempty"`
}

func (EndOfDialogStep) MessageType() string { return "end_of_dialog_step" }

func NewEndOfDialogStep(serverError string) EndOfDialogStep {
	return EndOfDialogStep{Type: "end_of_dialog_step", ServerError: serverError}
}

// WebElement is an opaque UI payload: an image, a form, a card. The core
// never looks inside Element.
type WebElement struct {
	Type        string         `json:"type"`
	ElementType string         `json:"element_type"`
	Element     map[string]any `json:"element"`
}

func (WebElement) MessageType() string { return "web_element" }

func NewWebElement(elementType string, element map[string]any) WebElement {
	return WebElement{Type: "web_element", ElementType: elementType, Element: element}
}

// ClientMessage is any inbound tagged message from the client.
type ClientMessage interface {
	ClientType() string
}

type ClientTextInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (ClientTextInput) ClientType() string { return "text_input" }

type ClientWebElementEvent struct {
	Type        string         `json:"type"`
	ElementType string         `json:"element_type"`
	Payload     map[string]any `json:"payload,omitempty"`
}

func (ClientWebElementEvent) ClientType() string { return "web_element_event" }

// ClientAudioUpload is a recorded user utterance awaiting transcription.
// It is constructed server-side from an upload or a binary frame, never
// decoded from a JSON envelope.
type ClientAudioUpload struct {
	Data     []byte
	Filename string
}

func (ClientAudioUpload) ClientType() string { return "audio_upload" }

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "text_input":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input", "")
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, badRequest("text_input.content is required", "content")
		}
		return msg, nil
	case "web_element_event":
		var msg ClientWebElementEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid web_element_event", "")
		}
		if strings.TrimSpace(msg.ElementType) == "" {
			return nil, badRequest("web_element_event.element_type is required", "element_type")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
