package api

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ZanzyTHEbar/llamachat/llamachat/config"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

//go:embed templates/*.html
var templateFS embed.FS

// App is the part of the application state the HTTP layer needs.
type App interface {
	Chat(ctx context.Context, sessionID, message string, overrides map[string]any) (*harness.Result, error)
	Clear(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) ([]ports.Turn, error)
	Sessions(ctx context.Context) ([]ports.SessionInfo, error)
	Status() service.Status
	ConfigView() service.ConfigView
	Export(ctx context.Context, sessionID string) ([]byte, error)
	Import(ctx context.Context, sessionID string, data []byte) error
	Reload(ctx context.Context) error
}

// Server routes HTTP requests to the application.
type Server struct {
	app     App
	cfg     config.WebConfig
	metrics http.Handler
	page    *template.Template
	logger  zerolog.Logger
}

// NewServer builds a server. metrics may be nil, in which case /metrics is
// not mounted.
func NewServer(app App, cfg config.WebConfig, metrics http.Handler, logger zerolog.Logger) (*Server, error) {
	page, err := template.New("index.html").Funcs(template.FuncMap{
		"timefmt": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Local().Format("15:04")
		},
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "llamachat_session"
	}
	return &Server{
		app:     app,
		cfg:     cfg,
		metrics: metrics,
		page:    page,
		logger:  logger.With().Str("component", "http").Logger(),
	}, nil
}

// Routes returns the router with every middleware and route mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors(s.cfg.CORSOrigins))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware(s.cfg.SessionCookie))

		r.Get("/", s.Index)
		r.Post("/chat", s.WebChat)
		r.Post("/clear", s.WebClear)

		r.Route("/api", func(r chi.Router) {
			r.Post("/chat", s.Chat)
			r.Post("/chat/web", s.WebChat)
			r.Post("/clear", s.Clear)
			r.Get("/history", s.History)
			r.Get("/status", s.Status)
			r.Get("/config", s.Config)
			r.Get("/sessions", s.Sessions)
			r.Get("/export", s.Export)
			r.Post("/import", s.Import)
			r.Post("/reload", s.Reload)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusNotFound, "not found")
	})

	return r
}

// HTTPServer wraps Routes in an http.Server configured from the web section.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Routes(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout, // completions can run for minutes
		IdleTimeout:       s.cfg.IdleTimeout,
	}
}
