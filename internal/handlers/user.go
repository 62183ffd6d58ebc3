package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/usermgmt/apiserver/internal/logging"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
)

const (
	maxMultipartMemory = 4 << 20
	// multipart framing on top of the avatar bytes
	multipartOverhead = 64 << 10
	formFieldAvatar   = "avatar"
	paramUserID       = "userId"
)

// UserHandler provides HTTP handlers for user administration.
type UserHandler struct {
	userService *services.UserService
	logger      *zap.Logger
}

// NewUserHandler constructs a handler with the provided service.
func NewUserHandler(userService *services.UserService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		userService: userService,
		logger:      logging.OrNop(logger),
	}
}

// UserRouter registers user routes on the given router. Every route requires
// an authenticated caller; per-target rules are applied by the service.
func UserRouter(r chi.Router, userService *services.UserService, authMiddleware func(http.Handler) http.Handler, logger *zap.Logger) {
	handler := NewUserHandler(userService, logger)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.With(RequireRole(types.UserTypeAdmin, types.UserTypeSuperAdmin)).Get("/getUsers", handler.GetUsers)
		r.Get("/getUserById/{userId}", handler.GetUserByID)
		r.With(RequireRole(types.UserTypeSuperAdmin)).Post("/createUser", handler.CreateUser)
		r.Patch("/editUser/{userId}", handler.EditUser)
		r.With(RequireRole(types.UserTypeAdmin, types.UserTypeSuperAdmin)).Delete("/deleteUser/{userId}", handler.DeleteUser)
		r.Put("/avatar/{userId}", handler.UploadAvatar)
		r.Get("/avatar/{userId}", handler.GetAvatar)
	})
}

func (h *UserHandler) caller(w http.ResponseWriter, r *http.Request) (types.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized: No token provided")
	}
	return user, ok
}

func (h *UserHandler) GetUsers(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	page, limit, err := parsePagination(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	query := r.URL.Query()
	result, err := h.userService.ListUsers(r.Context(), caller, services.ListQuery{
		Page:     page,
		Limit:    limit,
		UserName: query.Get("userName"),
		UserType: query.Get("userType"),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, result, "Users fetched successfully")
}

func (h *UserHandler) GetUserByID(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	user, err := h.userService.GetUserByID(r.Context(), caller, chi.URLParam(r, paramUserID))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, "User fetched successfully")
}

func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req services.UserInput
	if err := decodeJSON(r, &req, false); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	user, err := h.userService.CreateUser(r.Context(), caller, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusCreated, user, "User created successfully")
}

// EditUser applies a partial update. Fields outside the edit allow-list are
// rejected rather than ignored.
func (h *UserHandler) EditUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req services.EditInput
	if err := decodeJSON(r, &req, true); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	user, err := h.userService.EditUser(r.Context(), caller, chi.URLParam(r, paramUserID), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, "User updated successfully")
}

func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	result, err := h.userService.DeleteUser(r.Context(), caller, chi.URLParam(r, paramUserID))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, result, "User deleted successfully")
}

func (h *UserHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, services.MaxAvatarBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeServiceError(w, r, h.logger, services.ValidationError("avatar must be at most 2 MiB", formFieldAvatar))
			return
		}
		writeServiceError(w, r, h.logger, services.ValidationError("invalid multipart form"))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, _, err := r.FormFile(formFieldAvatar)
	if err != nil {
		writeServiceError(w, r, h.logger, services.MissingFields(formFieldAvatar))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, services.MaxAvatarBytes+1))
	if err != nil {
		writeServiceError(w, r, h.logger, services.ValidationError("invalid avatar upload", formFieldAvatar))
		return
	}

	user, err := h.userService.UploadAvatar(r.Context(), caller, chi.URLParam(r, paramUserID), data)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, user, "Avatar uploaded successfully")
}

// GetAvatar streams the stored image as-is.
func (h *UserHandler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	obj, err := h.userService.GetAvatar(r.Context(), caller, chi.URLParam(r, paramUserID))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("avatar stream interrupted", zap.String("user_id", chi.URLParam(r, paramUserID)), zap.Error(err))
	}
}
