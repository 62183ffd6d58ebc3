package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/cache"
	"github.com/usermgmt/apiserver/internal/db"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/logging"
	"github.com/usermgmt/apiserver/internal/observability"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/internal/storage"
	"github.com/usermgmt/apiserver/internal/store"
	"go.uber.org/zap"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sqlx.DB
	redis      *redis.Client
	events     *events.Publisher
	logger     *zap.Logger
}

// New connects every backing service named in cfg and constructs a Server.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Server, error) {
	logger = logging.OrNop(logger)
	srv := &Server{logger: logger}

	dbConn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	srv.db = dbConn

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		srv.closeBackends()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	srv.redis = redisClient

	publisher, err := events.New(ctx, cfg.Events, logger)
	if err != nil {
		srv.closeBackends()
		return nil, err
	}
	srv.events = publisher

	avatars, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		srv.closeBackends()
		return nil, fmt.Errorf("init avatar storage: %w", err)
	}

	metrics := observability.NewMetrics()
	userRepo := store.NewUserRepository(dbConn)
	tokens := auth.NewTokenService(cfg.Auth)
	hasher := auth.NewPasswordHasher(cfg.Auth.BcryptCost)

	opts := []services.Option{
		services.WithEvents(publisher),
		services.WithMetrics(metrics),
		services.WithLogger(logger),
	}
	if redisClient != nil {
		opts = append(opts, services.WithIdentityCache(cache.NewIdentityCache(redisClient, cfg.Redis.IdentityTTL, logger)))
	}
	if avatars != nil {
		opts = append(opts, services.WithAvatarStore(avatars))
	}

	authService := services.NewAuthService(userRepo, tokens, hasher, services.SignupPolicyFromConfig(cfg.Auth), opts...)
	userService := services.NewUserService(userRepo, hasher, opts...)

	router := NewRouter(RouterDeps{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		AuthService: authService,
		UserService: userService,
		DB:          dbConn,
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	srv.router = router
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("server configured",
		zap.Int("port", port),
		zap.Bool("identity_cache", redisClient != nil),
		zap.String("events_backend", cfg.Events.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)
	return srv, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and then closes the backing services.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Warn("close events backend", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close database", zap.Error(err))
		}
	}
}
