package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/internal/services"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequireRoleWithoutIdentity(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireRole(types.UserTypeAdmin)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRoleAdmits(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(withUser(req.Context(), types.User{UserType: types.UserTypeAdmin}))

	rec := httptest.NewRecorder()
	RequireRole(types.UserTypeAdmin, types.UserTypeSuperAdmin)(okHandler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

type stubAuthenticator struct {
	user types.User
	err  error
}

func (s stubAuthenticator) Authenticate(context.Context, string) (types.User, error) {
	return s.user, s.err
}

func TestRequireAuthAttachesUser(t *testing.T) {
	want := types.User{UserName: "alice", UserType: types.UserTypeUser}
	var got types.User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer token")
	RequireAuth(stubAuthenticator{user: want}, nil)(next).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, want, got)
}

func TestRequireAuthHidesInternalErrors(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")

	rec := httptest.NewRecorder()
	RequireAuth(stubAuthenticator{err: errors.New("connection refused")}, zap.New(core))(okHandler).ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, msgInternal, decodeEnvelope(t, rec).Message)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	assert.Equal(t, 1, logs.Len())
}

func TestRecoverer(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	Recoverer(zap.New(core))(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestUnknownRouteAndMethod(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)

	rec = app.do(t, http.MethodGet, "/api/v1/auth/signin", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, decodeEnvelope(t, rec).Success)
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	Healthz(stubPinger{})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	Healthz(stubPinger{err: errors.New("down")})(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tt.header)
		got, err := bearerToken(req)
		if tt.ok {
			require.NoError(t, err, tt.header)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, tt.header)
		}
	}
}

func TestParsePagination(t *testing.T) {
	page, limit, err := parsePagination(httptest.NewRequest(http.MethodGet, "/?page=2&per_page=5", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, page)
	assert.Equal(t, 5, limit)

	page, limit, err = parsePagination(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Zero(t, page)
	assert.Zero(t, limit)

	_, _, err = parsePagination(httptest.NewRequest(http.MethodGet, "/?limit=-1", nil))
	assert.Equal(t, services.KindValidation, services.KindOf(err))
}

func TestDecodeJSONStrict(t *testing.T) {
	var dst services.EditInput
	req := httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"userName":"x","role":"admin"}`))
	err := decodeJSON(req, &dst, true)
	require.Error(t, err)
	assert.Equal(t, "field role cannot be edited", err.Error())

	req = httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{"userName":"x","role":"admin"}`))
	require.NoError(t, decodeJSON(req, &dst, false))
	require.NotNil(t, dst.UserName)
	assert.Equal(t, "x", *dst.UserName)
}
