// Package devserver is a reference chat server speaking the same REST and
// realtime protocol the client expects. It backs local development, the
// load generator and integration tests.
package devserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"go-sparchat/internal/db"
	"go-sparchat/pkg/logger"
)

// Options configures a Server.
type Options struct {
	JWTSecret         string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

type Server struct {
	opts   Options
	repo   *Repository
	auth   *AuthService
	hub    *Hub
	logger *logger.Logger
}

// New migrates the database and wires the server. redisClient may be nil.
func New(ctx context.Context, opts Options, database *db.Database, redisClient *redis.Client, log *logger.Logger) (*Server, error) {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.RateLimitRequests <= 0 {
		opts.RateLimitRequests = 120
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}

	repo, err := NewRepository(ctx, database)
	if err != nil {
		return nil, err
	}

	log = logger.OrGlobal(log).Named("devserver")
	return &Server{
		opts:   opts,
		repo:   repo,
		auth:   NewAuthService(repo, opts.JWTSecret, opts.AccessTTL, opts.RefreshTTL),
		hub:    NewHub(redisClient, log),
		logger: log,
	}, nil
}

// Run starts the hub engines and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.SubscribeToRedis(ctx)
	s.hub.Run(ctx)
}

// Auth exposes the auth service, used to seed users.
func (s *Server) Auth() *AuthService {
	return s.auth
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	authMiddleware := NewAuthMiddleware(s.auth)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logging(s.logger))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Post("/api/auth/refresh", s.handleRefresh)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws", s.serveWs)

		r.Group(func(r chi.Router) {
			r.Use(UserRateLimit(s.opts.RateLimitRequests, s.opts.RateLimitWindow))

			r.Get("/api/users/search", s.handleSearchUsers)
			r.Get("/api/conversations", s.handleListConversations)
			r.Post("/api/conversations", s.handleStartConversation)
			r.Get("/api/conversations/{id}/messages", s.roomMessages(RoomConversation))

			r.Post("/api/combats", s.handleCreateCombat)
			r.Get("/api/combats/{id}/messages", s.roomMessages(RoomCombat))
			r.Post("/api/invitations/{id}/respond", s.handleRespond)
		})
	})
	return r
}
