package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/listen-engine/internal/config"
	"github.com/snarg/listen-engine/internal/listen"
	"github.com/snarg/listen-engine/internal/metrics"
	"github.com/snarg/listen-engine/internal/profile"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions holds the server's collaborators. DB, Redis and MQTT may
// be nil when not configured.
type ServerOptions struct {
	Config    *config.Config
	Service   *listen.Service
	Profiles  *profile.Profiles
	Publisher listen.Publisher
	DB        HealthChecker
	Redis     HealthChecker
	MQTT      BrokerStatus
	Version   string
	StartTime time.Time
	// BaseContext ends live sessions on shutdown.
	BaseContext context.Context
	Log         zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	// Live websockets accept the token as a query parameter
	r.Route("/v2", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		NewListenHandler(opts.BaseContext, opts.Service, opts.Publisher, opts.Log).Routes(r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		health := NewHealthHandler(opts.DB, opts.Redis, opts.MQTT, opts.Service, opts.Version, opts.StartTime)
		r.Get("/health", health.ServeHTTP)

		// Authenticated write routes
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(cfg.AuthToken))
			r.Use(BearerAuth(cfg.AuthToken))
			NewMemoriesHandler(opts.Service, opts.Profiles, opts.Log).Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

func hlogWarn(r *http.Request, err error, msg string) {
	hlog.FromRequest(r).Warn().Err(err).Msg(msg)
}
