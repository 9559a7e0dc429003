package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/pantry/internal/auth"
	"github.com/dukerupert/pantry/internal/config"
	"github.com/dukerupert/pantry/internal/handler"
	"github.com/dukerupert/pantry/internal/magiclink"
	"github.com/dukerupert/pantry/internal/metrics"
	"github.com/dukerupert/pantry/internal/middleware"
	"github.com/dukerupert/pantry/internal/session"
	"github.com/dukerupert/pantry/internal/store"
	ws "github.com/dukerupert/pantry/internal/websocket"
)

type Server struct {
	db           *sql.DB
	cfg          *config.Config
	hub          *ws.Hub
	metrics      *metrics.Metrics
	authH        *handler.AuthHandler
	pantryH      *handler.PantryHandler
	sessions     *session.Manager
	sessionStore *store.SessionStore
	userStore    *store.UserStore
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

type Option func(*options)

type options struct {
	deliverer auth.Deliverer
	metrics   *metrics.Metrics
}

// WithDeliverer replaces the default deliverer, which logs each link.
func WithDeliverer(d auth.Deliverer) Option {
	return func(o *options) {
		o.deliverer = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New wires the stores, session manager and auth flow from cfg. It fails
// when the secrets or origin cannot be used.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.deliverer == nil {
		o.deliverer = auth.LogDeliverer{Logger: logger.With("component", "delivery")}
	}

	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	sessionStore := store.NewSessionStore(db)
	shelfStore := store.NewShelfStore(db)

	sessions, err := session.NewManager(sessionStore, cfg.SessionSecret,
		session.WithMaxAge(cfg.SessionMaxAge),
		session.WithSecure(cfg.SecureCookies()),
	)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	codec, err := magiclink.NewCodec(cfg.MagicLinkSecret)
	if err != nil {
		return nil, fmt.Errorf("magic link codec: %w", err)
	}
	builder, err := magiclink.NewBuilder(codec, cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("magic link builder: %w", err)
	}

	flow := auth.NewFlow(codec, builder, userStore, sessions,
		auth.WithDeliverer(o.deliverer),
		auth.WithMetrics(o.metrics),
		auth.WithLogger(logger),
	)

	return &Server{
		db:           db,
		cfg:          cfg,
		hub:          hub,
		metrics:      o.metrics,
		authH:        handler.NewAuthHandler(flow, sessions, logger.With("component", "auth_handler")),
		pantryH:      handler.NewPantryHandler(shelfStore, hub, logger.With("component", "pantry")),
		sessions:     sessions,
		sessionStore: sessionStore,
		userStore:    userStore,
		rateLimiter:  middleware.NewRateLimiter(cfg.LoginRateLimit, time.Minute),
		logger:       logger,
	}, nil
}

// SessionStore returns the session store for cleanup tasks.
func (s *Server) SessionStore() *store.SessionStore {
	return s.sessionStore
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /login", s.authH.LoginState)
	outerMux.Handle("POST /login", middleware.RateLimit(s.rateLimiter, middleware.RealIP)(http.HandlerFunc(s.authH.Login)))
	outerMux.HandleFunc("GET "+magiclink.ValidatePath, s.authH.ValidateMagicLink)
	outerMux.HandleFunc("POST /signup", s.authH.Signup)
	outerMux.HandleFunc("POST /logout", s.authH.Logout)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", s.metrics.Handler())

	// Protected routes, wrapped with RequireAuth middleware
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.sessions, s.userStore)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"), s.metrics)(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+handler.AppPath, s.pantryH.Home)
	mux.HandleFunc("GET /app/pantry", s.pantryH.List)
	mux.HandleFunc("POST /app/pantry", s.pantryH.Action)

	// WebSocket
	var origins []string
	if host := s.cfg.OriginHost(); host != "" {
		origins = []string{host}
	}
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, origins, s.logger.With("component", "websocket")))
}
