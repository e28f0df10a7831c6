package apierror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/voxlane/voxlane/pkg/gateway/protocol"
	"github.com/voxlane/voxlane/pkg/sessions"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_NotAccepting_Is412(t *testing.T) {
	ce, status := FromError(NotAccepting("session is processing a previous input"), "req_test")
	if status != 412 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrNotAccepting {
		t.Fatalf("type=%q", ce.Type)
	}
}

func TestFromError_SessionSentinels(t *testing.T) {
	ce, status := FromError(fmt.Errorf("put: %w", sessions.ErrSessionExists), "req_test")
	if status != 409 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrConflict {
		t.Fatalf("type=%q", ce.Type)
	}

	ce, status = FromError(sessions.ErrSessionNotFound, "req_test")
	if status != 404 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrNotFound {
		t.Fatalf("type=%q", ce.Type)
	}
}

func TestFromError_DecodeError_Is400(t *testing.T) {
	ce, status := FromError(&protocol.DecodeError{
		Code:    "missing_field",
		Message: "content is required",
		Param:   "content",
	}, "req_test")
	if status != 400 {
		t.Fatalf("status=%d", status)
	}
	if ce.Param != "content" {
		t.Fatalf("param=%q", ce.Param)
	}
}

func TestFromError_Unknown_Is500NoLeak(t *testing.T) {
	ce, status := FromError(fmt.Errorf("pq: connection refused at 10.0.0.3"), "req_test")
	if status != 500 {
		t.Fatalf("status=%d", status)
	}
	if ce.Message != "internal error" {
		t.Fatalf("message=%q leaks detail", ce.Message)
	}
}

func TestWrite_EncodesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, NotFound("session not found"), "req_9")

	if rec.Code != 404 {
		t.Fatalf("status=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != ErrNotFound {
		t.Fatalf("envelope=%+v", env)
	}
	if env.Error.RequestID != "req_9" {
		t.Fatalf("request_id=%q", env.Error.RequestID)
	}
}
