// Package openai implements a streaming Chat Completions client that
// yields normalized deltas, including audio chunks for voice models.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/voxlane/voxlane/pkg/core/types"
)

// DefaultBaseURL is the default OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL (for testing or proxying).
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// Provider implements types.Streamer against the Chat Completions API.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream opens a streaming completion for req. The returned stream ends
// with a UsageDelta followed by io.EOF.
func (p *Provider) Stream(ctx context.Context, req types.Request) (types.DeltaStream, error) {
	chatReq := buildRequest(req)

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	return newDeltaStream(resp.Body), nil
}

func (p *Provider) chatCompletionsURL() string {
	return strings.TrimRight(p.baseURL, "/") + "/chat/completions"
}
