package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/unrolled/secure"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/handlers"
	"github.com/usermgmt/apiserver/internal/logging"
	"github.com/usermgmt/apiserver/internal/observability"
	"github.com/usermgmt/apiserver/internal/services"
	"go.uber.org/zap"
)

// RouterDeps carries everything the HTTP surface needs.
type RouterDeps struct {
	Config      config.Config
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	AuthService *services.AuthService
	UserService *services.UserService
	DB          handlers.Pinger
}

// NewRouter builds the chi router with the middleware chain and every route.
func NewRouter(deps RouterDeps) *chi.Mux {
	logger := logging.OrNop(deps.Logger)
	cfg := deps.Config

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         cfg.IsDev(),
	})

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		logging.RequestLogger(logger),
		handlers.Recoverer(logger),
		deps.Metrics.Middleware,
		secureMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		middleware.Timeout(cfg.HTTP.RequestTimeout),
	)
	router.NotFound(handlers.NotFound)
	router.MethodNotAllowed(handlers.MethodNotAllowed)

	router.Get("/healthz", handlers.Healthz(deps.DB))
	router.Handle("/metrics", deps.Metrics.Handler())

	authMiddleware := handlers.RequireAuth(deps.AuthService, logger)
	router.Route("/api/v1/auth", func(r chi.Router) {
		handlers.AuthRouter(r, deps.AuthService, authMiddleware, logger, cfg.HTTP.AuthRateLimit)
	})
	router.Route("/api/v1/user", func(r chi.Router) {
		handlers.UserRouter(r, deps.UserService, authMiddleware, logger)
	})

	return router
}
