package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/usermgmt/apiserver/internal/logging"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
)

// AuthHandler provides the session endpoints.
type AuthHandler struct {
	authService *services.AuthService
	logger      *zap.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(authService *services.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logging.OrNop(logger),
	}
}

// AuthRouter registers auth routes on the given router. Signup and signin are
// limited to rateLimit requests per IP per minute when rateLimit is positive.
func AuthRouter(
	r chi.Router,
	authService *services.AuthService,
	authMiddleware func(http.Handler) http.Handler,
	logger *zap.Logger,
	rateLimit int,
) {
	handler := NewAuthHandler(authService, logger)

	credentials := r.With()
	if rateLimit > 0 {
		credentials = r.With(httprate.Limit(
			rateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "too many requests, try again later")
			}),
		))
	}

	credentials.Post("/signup", handler.Signup)
	credentials.Post("/signin", handler.Signin)
	r.Post("/signout", handler.Signout)
	r.Post("/refresh-access-token", handler.RefreshAccessToken)
	r.With(authMiddleware).Get("/get-current-user", handler.GetCurrentUser)
}

type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Signup creates a self-service account.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req services.UserInput
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	user, err := h.authService.Signup(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusCreated, user, "User registered successfully")
}

// Signin exchanges credentials for a token pair.
func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.authService.Signin(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, result, "User logged in successfully")
}

// Signout clears the refresh token of the bearer's account.
func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized: No token provided")
		return
	}
	if err := h.authService.Signout(r.Context(), token); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{}, "User logged out successfully")
}

// RefreshAccessToken rotates the token pair.
func (h *AuthHandler) RefreshAccessToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	pair, err := h.authService.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, pair, "Access token refreshed")
}

// GetCurrentUser returns the authenticated user.
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	var resolved *types.User
	if user, ok := UserFromContext(r.Context()); ok {
		resolved = &user
	}

	user, err := h.authService.GetCurrentUser(r.Context(), resolved)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, "Current user fetched successfully")
}
