package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxlane/voxlane/pkg/core/types"
)

func TestTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q, want /audio/transcriptions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		if got := r.FormValue("response_format"); got != "text" {
			t.Errorf("response_format = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "turn.wav" {
			t.Errorf("filename = %q", header.Filename)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "RIFFaudio" {
			t.Errorf("file payload = %q", data)
		}
		fmt.Fprint(w, "What time is it?\n")
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	text, err := p.Transcribe(context.Background(), types.TranscribeRequest{
		Model:    "whisper-1",
		Audio:    []byte("RIFFaudio"),
		Filename: "turn.wav",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "What time is it?" {
		t.Fatalf("transcript = %q", text)
	}
}

func TestTranscribeErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"invalid_file","message":"could not decode audio"}}`)
	}))
	defer srv.Close()

	p := New("test-key", WithBaseURL(srv.URL))
	_, err := p.Transcribe(context.Background(), types.TranscribeRequest{Model: "whisper-1", Audio: []byte{0}})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if apiErr.StatusCode != 400 || apiErr.Code != "invalid_file" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}
