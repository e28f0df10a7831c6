// Package mw holds the HTTP middleware chain shared by every route.
package mw

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxlane/voxlane/pkg/gateway/apierror"
	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
)

type ctxKeyRequestID struct{}
type ctxKeyAPIKey struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func APIKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ctxKeyAPIKey{}).(string)
	return key, ok && key != ""
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func parseBearer(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(raw[len(prefix):])
	return token, token != ""
}

func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())

		// Browsers cannot attach Authorization headers to websocket
		// upgrades; the session id issued at login is the capability there.
		if IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			writeJSONError(w, http.StatusInternalServerError, &apierror.Error{
				Type:      apierror.ErrAPI,
				Message:   "invalid auth_mode",
				RequestID: reqID,
			})
			return
		}

		token, ok := parseBearer(r)
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				writeJSONError(w, http.StatusUnauthorized, &apierror.Error{
					Type:      apierror.ErrAuthentication,
					Message:   "missing bearer token",
					Param:     "Authorization",
					RequestID: reqID,
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := cfg.APIKeys[token]; !ok {
			writeJSONError(w, http.StatusUnauthorized, &apierror.Error{
				Type:      apierror.ErrAuthentication,
				Message:   "invalid api key",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAPIKey{}, token)))
	})
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if logger != nil {
					logger.Error("panic", "panic", v)
				}
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type flusherWriter struct {
	*statusWriter
	flusher http.Flusher
}

func (w *flusherWriter) Flush() { w.flusher.Flush() }

type hijackerWriter struct {
	*statusWriter
	hijacker http.Hijacker
}

func (w *hijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.hijacker.Hijack()
}

type flusherHijackerWriter struct {
	*statusWriter
	flusher  http.Flusher
	hijacker http.Hijacker
}

func (w *flusherHijackerWriter) Flush() { w.flusher.Flush() }

func (w *flusherHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.hijacker.Hijack()
}

// wrapStatusWriter records the status code while advertising only the
// optional interfaces the underlying writer actually supports. The
// websocket upgrade path needs http.Hijacker to survive this wrapping.
func wrapStatusWriter(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: 200}
	flusher, hasFlusher := w.(http.Flusher)
	hijacker, hasHijacker := w.(http.Hijacker)
	switch {
	case hasFlusher && hasHijacker:
		return &flusherHijackerWriter{statusWriter: sw, flusher: flusher, hijacker: hijacker}, sw
	case hasFlusher:
		return &flusherWriter{statusWriter: sw, flusher: flusher}, sw
	case hasHijacker:
		return &hijackerWriter{statusWriter: sw, hijacker: hijacker}, sw
	default:
		return sw, sw
	}
}

func AccessLog(logger *slog.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapStatusWriter(w)
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)
		m.RecordRequest(r.URL.Path, strconv.Itoa(sw.status), duration)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func writeJSONError(w http.ResponseWriter, status int, err *apierror.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: err})
}
