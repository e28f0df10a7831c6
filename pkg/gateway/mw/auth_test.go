package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxlane/voxlane/pkg/gateway/config"
)

func TestAuth_RequiredRejectsMissingBearer(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"vx_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/respond", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_RequiredRejectsUnknownKey(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"vx_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/respond", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_RequiredAcceptsKnownKeyAndExposesIt(t *testing.T) {
	var gotKey string
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"vx_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey, _ = APIKeyFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/respond", nil)
	req.Header.Set("Authorization", "Bearer vx_sk_test")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if gotKey != "vx_sk_test" {
		t.Fatalf("api key=%q", gotKey)
	}
}

func TestAuth_OptionalPassesAnonymous(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeOptional, APIKeys: map[string]struct{}{"vx_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/login", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_WebSocketUpgradeBypass(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"vx_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
