package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/internal/storage"
	"github.com/usermgmt/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

var testHasher = auth.NewPasswordHasher(bcrypt.MinCost)

type testApp struct {
	repo    *memRepo
	tokens  *auth.TokenService
	auth    *services.AuthService
	router  http.Handler
	objects *storage.MemoryStorage
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	repo := newMemRepo()
	tokens := auth.NewTokenService(config.AuthConfig{
		AccessTokenSecret:  "access-secret",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenSecret: "refresh-secret",
		RefreshTokenTTL:    240 * time.Hour,
		Issuer:             "usermgmt",
	})
	policy := services.SignupPolicy{
		UserTypes: []types.UserType{types.UserTypeUser},
		Statuses:  []types.Status{types.StatusPending, types.StatusEnabled, types.StatusDisabled},
	}
	objects := storage.NewMemoryStorage("avatars")

	authService := services.NewAuthService(repo, tokens, testHasher, policy)
	userService := services.NewUserService(repo, testHasher, services.WithAvatarStore(storage.NewAvatarStore(objects)))
	authMiddleware := RequireAuth(authService, nil)

	r := chi.NewRouter()
	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)
	r.Route("/api/v1/auth", func(r chi.Router) {
		AuthRouter(r, authService, authMiddleware, nil, 0)
	})
	r.Route("/api/v1/user", func(r chi.Router) {
		UserRouter(r, userService, authMiddleware, nil)
	})

	return &testApp{repo: repo, tokens: tokens, auth: authService, router: r, objects: objects}
}

// seedUser stores an enabled account with the given password.
func (a *testApp) seedUser(t *testing.T, name string, userType types.UserType, password string) types.User {
	t.Helper()
	hash, err := testHasher.Hash(password)
	require.NoError(t, err)
	return a.repo.seed(types.User{
		UserName:     name,
		Email:        name + "@x.com",
		PhoneNumber:  "555",
		UserType:     userType,
		PasswordHash: hash,
	})
}

func (a *testApp) accessToken(t *testing.T, user types.User) string {
	t.Helper()
	token, err := a.tokens.IssueAccess(user)
	require.NoError(t, err)
	return token
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Success    bool            `json:"success"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	require.Equal(t, rec.Code, env.StatusCode)
	return env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}
