// Package server wires the routes and middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/dialog"
	"github.com/voxlane/voxlane/pkg/gateway/config"
	"github.com/voxlane/voxlane/pkg/gateway/handlers"
	"github.com/voxlane/voxlane/pkg/gateway/live"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	"github.com/voxlane/voxlane/pkg/gateway/mw"
	"github.com/voxlane/voxlane/pkg/gateway/ratelimit"
	"github.com/voxlane/voxlane/pkg/sessions"
)

// Deps are the externally owned pieces handed to the server.
type Deps struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Registry *sessions.Registry
	Provider types.Streamer

	// Transcriber resolves uploaded recordings into user text. Nil
	// disables audio input.
	Transcriber types.Transcriber

	// Callback routes model text through the sentence watcher when set.
	Callback dialog.SentenceCallback
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     deps.Config,
		logger:  logger,
		mux:     http.NewServeMux(),
		metrics: deps.Metrics,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   deps.Config.LimitRPS,
			Burst: deps.Config.LimitBurst,
		}),
	}

	loop := live.NewLoop(live.Config{
		PingInterval:     deps.Config.WSPingInterval,
		WriteTimeout:     deps.Config.WSWriteTimeout,
		ReadTimeout:      deps.Config.WSReadTimeout,
		MaxMessageBytes:  deps.Config.WSMaxMessageBytes,
		InputWaitTimeout: deps.Config.InputWaitTimeout,
		StepTimeout:      deps.Config.OutputDrainTimeout,
		AiSpeaksFirst:    deps.Config.AiSpeaksFirst,
		Transcriber:      deps.Transcriber,
		TranscribeModel:  deps.Config.TranscribeModel,
		Logger:           logger,
		Metrics:          deps.Metrics,
	})

	h := handlers.Deps{
		Config:   deps.Config,
		Logger:   logger,
		Metrics:  deps.Metrics,
		Registry: deps.Registry,
		Provider: deps.Provider,
		Callback: deps.Callback,
		Loop:     loop,
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: deps.Config, Registry: deps.Registry})
	if deps.Metrics != nil {
		s.mux.Handle("/metrics", deps.Metrics.Handler())
	}

	s.mux.Handle("/v1/login", handlers.LoginHandler{Deps: h})
	s.mux.Handle("/v1/respond", handlers.RespondHandler{Deps: h})
	s.mux.Handle("/v1/audio", handlers.AudioHandler{Deps: h})
	s.mux.Handle("/v1/session", handlers.SessionHandler{Deps: h})

	s.mux.Handle("/", handlers.NotFoundHandler{})

	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.metrics, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.metrics, h)
	h = mw.RequestID(h)
	return h
}
