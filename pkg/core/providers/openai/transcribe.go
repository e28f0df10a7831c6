package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/voxlane/voxlane/pkg/core/types"
)

// Transcribe sends one recording to the audio transcriptions endpoint and
// returns the plain-text transcript.
func (p *Provider) Transcribe(ctx context.Context, req types.TranscribeRequest) (string, error) {
	filename := req.Filename
	if filename == "" {
		filename = "recording.wav"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("model", req.Model); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if err := form.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.transcriptionsURL(), &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", parseError(resp)
	}

	transcript, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return strings.TrimSpace(string(transcript)), nil
}

func (p *Provider) transcriptionsURL() string {
	return strings.TrimRight(p.baseURL, "/") + "/audio/transcriptions"
}
