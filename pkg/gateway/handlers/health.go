package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config   config.Config
	Registry *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.ModelAPIKey == "" {
		issues = append(issues, "model api key not configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.ModelCallTimeout <= 0 {
		issues = append(issues, "model call timeout must be > 0")
	}
	if h.Config.IdleFragmentTimeout <= 0 || h.Config.SchedulerWaitTimeout <= 0 {
		issues = append(issues, "stream timeouts must be > 0")
	}
	if h.Config.SessionIdleTimeout <= 0 || h.Config.SweepInterval <= 0 {
		issues = append(issues, "sweeper intervals must be > 0")
	}

	active := 0
	if h.Registry != nil {
		active = h.Registry.Len()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		AuthMode:       string(h.Config.AuthMode),
		ActiveSessions: active,
		Issues:         issues,
	})
}
