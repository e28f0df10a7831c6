package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/gateway/live"
	"github.com/voxlane/voxlane/pkg/sessions"
)

type fakeStream struct {
	deltas []types.Delta
	i      int
}

func (s *fakeStream) Next(ctx context.Context) (types.Delta, error) {
	if s.i >= len(s.deltas) {
		return nil, io.EOF
	}
	d := s.deltas[s.i]
	s.i++
	return d, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	deltas []types.Delta
}

func (p *fakeProvider) Stream(ctx context.Context, req types.Request) (types.DeltaStream, error) {
	return &fakeStream{deltas: p.deltas}, nil
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Config: config.Config{
			ModelName:            "test-model",
			ModelCallTimeout:     5 * time.Second,
			MaxBodyBytes:         1 << 20,
			IdleFragmentTimeout:  time.Second,
			SchedulerWaitTimeout: time.Second,
		},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: sessions.NewRegistry(nil),
		Provider: &fakeProvider{deltas: []types.Delta{types.TextDelta{Text: "Hi."}}},
		Loop:     live.NewLoop(live.Config{}),
	}
}

func doLogin(t *testing.T, deps Deps) string {
	t.Helper()
	rr := httptest.NewRecorder()
	LoginHandler{deps}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/login", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	id := resp["session_id"]
	if !strings.HasPrefix(id, "sess_") {
		t.Fatalf("session_id=%q", id)
	}
	return id
}

func TestLogin_CreatesSessionAndCookie(t *testing.T) {
	deps := testDeps(t)
	rr := httptest.NewRecorder()
	LoginHandler{deps}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/login", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := deps.Registry.Get(resp["session_id"]); err != nil {
		t.Fatalf("session not registered: %v", err)
	}

	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value != resp["session_id"] {
		t.Fatalf("cookies=%v", cookies)
	}
}

func TestLogin_MethodNotAllowed(t *testing.T) {
	deps := testDeps(t)
	rr := httptest.NewRecorder()
	LoginHandler{deps}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/login", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestRespond_GateClosedRejectsWith412(t *testing.T) {
	deps := testDeps(t)
	id := doLogin(t, deps)

	// A fresh session is not accepting input until its loop opens the gate.
	body := strings.NewReader(`{"type":"text_input","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/respond?session_id="+id, body)
	rr := httptest.NewRecorder()
	RespondHandler{deps}.ServeHTTP(rr, req)

	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	sess, _ := deps.Registry.Get(id)
	if sess.Input.Len() != 0 {
		t.Fatalf("rejected input must not be queued, len=%d", sess.Input.Len())
	}
}

func TestRespond_AcceptedWhenGateOpen(t *testing.T) {
	deps := testDeps(t)
	id := doLogin(t, deps)
	sess, _ := deps.Registry.Get(id)
	sess.SetAccepting(true)

	body := strings.NewReader(`{"type":"text_input","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/respond?session_id="+id, body)
	rr := httptest.NewRecorder()
	RespondHandler{deps}.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if sess.Input.Len() != 1 {
		t.Fatalf("input queue len=%d, want 1", sess.Input.Len())
	}
}

func TestRespond_SessionFromCookie(t *testing.T) {
	deps := testDeps(t)
	id := doLogin(t, deps)
	sess, _ := deps.Registry.Get(id)
	sess.SetAccepting(true)

	body := strings.NewReader(`{"type":"text_input","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/respond", body)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: id})
	rr := httptest.NewRecorder()
	RespondHandler{deps}.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRespond_UnknownSessionIs404(t *testing.T) {
	deps := testDeps(t)
	body := strings.NewReader(`{"type":"text_input","content":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/respond?session_id=sess_missing", body)
	rr := httptest.NewRecorder()
	RespondHandler{deps}.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestRespond_BadBodyIs400(t *testing.T) {
	deps := testDeps(t)
	id := doLogin(t, deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/respond?session_id="+id, strings.NewReader(`{"type":"text_input"}`))
	rr := httptest.NewRecorder()
	RespondHandler{deps}.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestSessionHandler_WebsocketRoundTrip(t *testing.T) {
	deps := testDeps(t)
	id := doLogin(t, deps)

	srv := httptest.NewServer(SessionHandler{deps})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session?session_id=" + id
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteJSON(map[string]string{"type": "text_input", "content": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	sawText := false
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = client.SetReadDeadline(deadline)
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m["type"] == "text_chunk" {
			sawText = true
		}
		if m["type"] == "end_of_dialog_step" {
			break
		}
	}
	if !sawText {
		t.Fatal("no text_chunk before end_of_dialog_step")
	}
}

func TestSessionHandler_SecondConnectionConflicts(t *testing.T) {
	deps := testDeps(t)
	id := doLogin(t, deps)

	srv := httptest.NewServer(SessionHandler{deps})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session?session_id=" + id
	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()

	// Wait until the loop has attached the connection.
	sess, _ := deps.Registry.Get(id)
	waitDeadline := time.Now().Add(2 * time.Second)
	for !sess.HasConn() {
		if time.Now().After(waitDeadline) {
			t.Fatal("connection never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("resp=%v", resp)
	}
}
