// Package handlers implements the HTTP surface: session login, input
// submission, the websocket attach point, and health.
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/dialog"
	"github.com/voxlane/voxlane/pkg/gateway/apierror"
	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/gateway/live"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	"github.com/voxlane/voxlane/pkg/gateway/mw"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
	"github.com/voxlane/voxlane/pkg/sessions"
)

const sessionCookieName = "voxlane_session"

// Deps carries everything the session handlers need.
type Deps struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *sessions.Registry
	Provider types.Streamer

	// Callback routes model text through the sentence watcher when set.
	Callback dialog.SentenceCallback

	Loop *live.Loop
}

// LoginHandler creates a session and returns its id. The id is the
// capability for /v1/respond and the websocket attach.
type LoginHandler struct {
	Deps
}

func (h LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.InvalidRequest("method not allowed", ""), reqID)
		return
	}

	sessionID := "sess_" + uuid.NewString()
	manager := dialog.NewManager(dialog.ManagerConfig{
		Step: dialog.ChatStepConfig{
			Provider:        h.Provider,
			Model:           h.Config.ModelName,
			Voice:           h.Config.ModelVoice,
			CallTimeout:     h.Config.ModelCallTimeout,
			MaxContextTurns: h.Config.MaxContextTurns,
			Callback:        h.Callback,
			Watcher: dialog.WatcherConfig{
				Terminals:   h.Config.SentenceTerminals,
				IdleTimeout: h.Config.IdleFragmentTimeout,
				Logger:      h.Logger,
				Metrics:     h.Metrics,
			},
			SchedulerWait: h.Config.SchedulerWaitTimeout,
			Logger:        h.Logger,
			Metrics:       h.Metrics,
		},
		System:  h.Config.SystemPrompt,
		Logger:  h.Logger,
		Metrics: h.Metrics,
	})

	sess := sessions.New(sessionID, manager)
	if err := h.Registry.Put(sess); err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	h.Logger.Info("session created", "session_id", sessionID, "request_id", reqID)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})
}

// RespondHandler accepts one client message for a session. When the
// session is mid-step the input is rejected with 412, never queued.
type RespondHandler struct {
	Deps
}

func (h RespondHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodPost {
		apierror.Write(w, apierror.InvalidRequest("method not allowed", ""), reqID)
		return
	}

	sess, err := h.sessionFor(r)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes))
	if err != nil {
		apierror.Write(w, apierror.InvalidRequest("request body too large or unreadable", ""), reqID)
		return
	}
	msg, err := protocol.DecodeClientMessage(body)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}

	if !sess.Accepting() {
		h.Metrics.RecordError("gate")
		apierror.Write(w, apierror.NotAccepting("session is not accepting input"), reqID)
		return
	}
	if !sess.Input.Put(msg) {
		apierror.Write(w, apierror.NotFound("session is closed"), reqID)
		return
	}
	sess.Touch()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// SessionHandler upgrades to a websocket and hands the connection to the
// live loop. One connection per session.
type SessionHandler struct {
	Deps
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, apierror.InvalidRequest("method not allowed", ""), reqID)
		return
	}
	if !h.originAllowed(r) {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, reqID)
		return
	}

	sess, err := h.sessionFor(r)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	if sess.HasConn() {
		apierror.Write(w, &apierror.Error{Type: apierror.ErrConflict, Message: "session already has an active connection"}, reqID)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := h.Loop.Run(r.Context(), conn, sess); err != nil {
		h.Logger.Warn("session loop ended with error", "session_id", sess.ID, "request_id", reqID, "error", err)
	}
	_ = conn.Close()
}

func (h SessionHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// sessionFor resolves the session from the session_id query parameter or
// the login cookie.
func (d Deps) sessionFor(r *http.Request) (*sessions.Session, error) {
	id := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if id == "" {
		if c, err := r.Cookie(sessionCookieName); err == nil {
			id = strings.TrimSpace(c.Value)
		}
	}
	if id == "" {
		return nil, apierror.InvalidRequest("session_id is required", "session_id")
	}
	sess, err := d.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
