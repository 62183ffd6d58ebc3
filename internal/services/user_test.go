package services

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/storage"
	"github.com/usermgmt/apiserver/types"
)

type userFixture struct {
	repo       *memRepo
	publisher  *recordingPublisher
	cache      *recordingCache
	service    *UserService
	superAdmin types.User
	admin      types.User
	otherAdmin types.User
	user       types.User
	otherUser  types.User
}

func newUserFixture(opts ...Option) userFixture {
	repo := newMemRepo()
	publisher := &recordingPublisher{}
	cache := &recordingCache{}
	opts = append([]Option{WithEvents(publisher), WithIdentityCache(cache)}, opts...)
	f := userFixture{
		repo:      repo,
		publisher: publisher,
		cache:     cache,
		service:   NewUserService(repo, testHasher, opts...),
	}
	f.superAdmin = repo.seed(types.User{UserName: "root", Email: "root@x.com", UserType: types.UserTypeSuperAdmin})
	f.admin = repo.seed(types.User{UserName: "admin", Email: "admin@x.com", UserType: types.UserTypeAdmin})
	f.otherAdmin = repo.seed(types.User{UserName: "admin2", Email: "admin2@x.com", UserType: types.UserTypeAdmin})
	f.user = repo.seed(types.User{UserName: "alice", Email: "alice@x.com", UserType: types.UserTypeUser})
	f.otherUser = repo.seed(types.User{UserName: "bob", Email: "bob@x.com", UserType: types.UserTypeUser})
	return f
}

func strPtr(value string) *string {
	return &value
}

func TestCreateUserRequiresSuperAdmin(t *testing.T) {
	f := newUserFixture()
	in := UserInput{UserName: "carol", Email: "carol@x.com", Password: "secret1", PhoneNumber: "555", UserType: "user"}

	for _, caller := range []types.User{f.admin, f.user} {
		_, err := f.service.CreateUser(context.Background(), caller, in)
		requireKind(t, err, KindForbidden)
	}

	created, err := f.service.CreateUser(context.Background(), f.superAdmin, in)
	require.NoError(t, err)
	require.NotNil(t, created.CreatedBy)
	assert.Equal(t, f.superAdmin.ID, *created.CreatedBy)
	assert.Equal(t, types.StatusEnabled, created.Status)
	assert.Equal(t, []events.Type{events.UserCreated}, f.publisher.eventTypes())
}

func TestCreateUserValidation(t *testing.T) {
	f := newUserFixture()
	base := UserInput{UserName: "carol", Email: "carol@x.com", Password: "secret1", PhoneNumber: "555", UserType: "admin"}

	in := base
	in.UserType = ""
	_, err := f.service.CreateUser(context.Background(), f.superAdmin, in)
	requireKind(t, err, KindValidation)

	in = base
	in.UserType = "super-admin"
	_, err = f.service.CreateUser(context.Background(), f.superAdmin, in)
	requireKind(t, err, KindValidation)

	in = base
	in.Status = "pending"
	_, err = f.service.CreateUser(context.Background(), f.superAdmin, in)
	requireKind(t, err, KindValidation)

	in = base
	in.Address = &types.Address{Zip: "1"}
	_, err = f.service.CreateUser(context.Background(), f.superAdmin, in)
	requireKind(t, err, KindValidation)
}

func TestCreateUserDuplicates(t *testing.T) {
	f := newUserFixture()

	_, err := f.service.CreateUser(context.Background(), f.superAdmin, UserInput{
		UserName: "someone", Email: "ALICE@x.com", Password: "p", PhoneNumber: "1", UserType: "user",
	})
	requireKind(t, err, KindConflict)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "email", serr.Field)

	_, err = f.service.CreateUser(context.Background(), f.superAdmin, UserInput{
		UserName: "alice", Email: "new@x.com", Password: "p", PhoneNumber: "1", UserType: "user",
	})
	requireKind(t, err, KindConflict)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "userName", serr.Field)
}

func TestCreateThenGetRoundTrip(t *testing.T) {
	f := newUserFixture()
	in := UserInput{
		UserName:    "carol",
		Email:       "carol@x.com",
		Password:    "secret1",
		PhoneNumber: "555",
		UserType:    "admin",
		Status:      "disabled",
		Address:     &types.Address{Zip: "0150", City: "Oslo", Country: "NO", AddressLine: "Main 1", State: "Oslo"},
	}

	created, err := f.service.CreateUser(context.Background(), f.superAdmin, in)
	require.NoError(t, err)

	fetched, err := f.service.GetUserByID(context.Background(), f.superAdmin, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, created, fetched)
	assert.Empty(t, fetched.PasswordHash)
	assert.Empty(t, fetched.RefreshToken)
	assert.Equal(t, types.UserTypeAdmin, fetched.UserType)
	assert.Equal(t, types.StatusDisabled, fetched.Status)
}

func TestBootstrapSuperAdmin(t *testing.T) {
	f := newUserFixture()
	created, err := f.service.BootstrapSuperAdmin(context.Background(), UserInput{
		UserName: "owner", Email: "owner@x.com", Password: "secret1", PhoneNumber: "555",
	})
	require.NoError(t, err)
	assert.Equal(t, types.UserTypeSuperAdmin, created.UserType)
	assert.Nil(t, created.CreatedBy)
}

func TestListUsersNonSuperAdminOnlySeesUsers(t *testing.T) {
	f := newUserFixture()

	result, err := f.service.ListUsers(context.Background(), f.admin, ListQuery{})
	require.NoError(t, err)
	require.Len(t, result.Users, 2)
	for _, user := range result.Users {
		assert.Equal(t, types.UserTypeUser, user.UserType)
	}

	_, err = f.service.ListUsers(context.Background(), f.admin, ListQuery{UserType: "admin"})
	requireKind(t, err, KindForbidden)

	_, err = f.service.ListUsers(context.Background(), f.user, ListQuery{})
	requireKind(t, err, KindForbidden)
}

func TestListUsersSuperAdmin(t *testing.T) {
	f := newUserFixture()

	result, err := f.service.ListUsers(context.Background(), f.superAdmin, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, result.Users, 4)
	for _, user := range result.Users {
		assert.NotEqual(t, f.superAdmin.ID, user.ID)
	}
	assert.Equal(t, f.otherUser.ID, result.Users[0].ID)

	result, err = f.service.ListUsers(context.Background(), f.superAdmin, ListQuery{UserType: "admin"})
	require.NoError(t, err)
	assert.Len(t, result.Users, 2)

	_, err = f.service.ListUsers(context.Background(), f.superAdmin, ListQuery{UserType: "root"})
	requireKind(t, err, KindValidation)
}

func TestListUsersPaginationAndSearch(t *testing.T) {
	f := newUserFixture()
	for i := 0; i < 12; i++ {
		f.repo.seed(types.User{UserName: "Member", Email: uuid.NewString() + "@x.com", UserType: types.UserTypeUser})
	}

	result, err := f.service.ListUsers(context.Background(), f.admin, ListQuery{Page: 2, Limit: 5, UserName: "memb"})
	require.NoError(t, err)
	assert.Len(t, result.Users, 5)
	assert.Equal(t, Pagination{TotalItems: 12, TotalPages: 3, CurrentPage: 2}, result.Pagination)

	result, err = f.service.ListUsers(context.Background(), f.admin, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, result.Users, 10)
	assert.Equal(t, Pagination{TotalItems: 14, TotalPages: 2, CurrentPage: 1}, result.Pagination)
}

func TestNormalizePage(t *testing.T) {
	page, limit := normalizePage(0, 0)
	assert.Equal(t, 1, page)
	assert.Equal(t, 10, limit)

	_, limit = normalizePage(3, 1000)
	assert.Equal(t, 100, limit)
}

func TestGetUserByIDVisibility(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()

	_, err := f.service.GetUserByID(ctx, f.user, "not-a-uuid")
	requireKind(t, err, KindValidation)

	_, err = f.service.GetUserByID(ctx, f.user, uuid.NewString())
	requireKind(t, err, KindNotFound)

	_, err = f.service.GetUserByID(ctx, f.user, f.user.ID.String())
	assert.NoError(t, err)
	_, err = f.service.GetUserByID(ctx, f.user, f.otherUser.ID.String())
	requireKind(t, err, KindForbidden)

	_, err = f.service.GetUserByID(ctx, f.admin, f.user.ID.String())
	assert.NoError(t, err)
	_, err = f.service.GetUserByID(ctx, f.admin, f.otherAdmin.ID.String())
	requireKind(t, err, KindForbidden)

	_, err = f.service.GetUserByID(ctx, f.superAdmin, f.otherAdmin.ID.String())
	assert.NoError(t, err)
}

func TestEditUserSelfService(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()

	updated, err := f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{
		UserName:    strPtr("Alice A."),
		PhoneNumber: strPtr("777"),
		Address:     &types.Address{Zip: "1", City: "c", Country: "n", AddressLine: "l"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", updated.UserName)
	assert.Equal(t, "777", updated.PhoneNumber)
	assert.Equal(t, []uuid.UUID{f.user.ID}, f.cache.invalidated)
	assert.Equal(t, []events.Type{events.UserUpdated}, f.publisher.eventTypes())

	_, err = f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{UserType: strPtr("admin")})
	requireKind(t, err, KindForbidden)
	_, err = f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{Status: strPtr("enabled")})
	requireKind(t, err, KindForbidden)
	_, err = f.service.EditUser(ctx, f.user, f.otherUser.ID.String(), EditInput{UserName: strPtr("x")})
	requireKind(t, err, KindForbidden)
	_, err = f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{})
	requireKind(t, err, KindValidation)
}

func TestEditUserNeverLetsNonSuperAdminChangeUserType(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()

	for _, tc := range []struct {
		caller types.User
		target types.User
	}{
		{f.user, f.user},
		{f.admin, f.user},
		{f.admin, f.admin},
	} {
		_, err := f.service.EditUser(ctx, tc.caller, tc.target.ID.String(), EditInput{UserType: strPtr("super-admin")})
		requireKind(t, err, KindForbidden)
		assert.Equal(t, tc.target.UserType, f.repo.get(tc.target.ID).UserType)
	}
}

func TestEditUserByAdmins(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()

	updated, err := f.service.EditUser(ctx, f.admin, f.user.ID.String(), EditInput{Status: strPtr("disabled")})
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisabled, updated.Status)

	_, err = f.service.EditUser(ctx, f.admin, f.otherAdmin.ID.String(), EditInput{UserName: strPtr("x")})
	requireKind(t, err, KindForbidden)

	updated, err = f.service.EditUser(ctx, f.superAdmin, f.user.ID.String(), EditInput{UserType: strPtr("admin")})
	require.NoError(t, err)
	assert.Equal(t, types.UserTypeAdmin, updated.UserType)

	_, err = f.service.EditUser(ctx, f.superAdmin, f.otherUser.ID.String(), EditInput{UserType: strPtr("super-admin")})
	requireKind(t, err, KindValidation)

	other := f.repo.seed(types.User{UserName: "root2", Email: "root2@x.com", UserType: types.UserTypeSuperAdmin})
	_, err = f.service.EditUser(ctx, f.superAdmin, other.ID.String(), EditInput{UserName: strPtr("x")})
	requireKind(t, err, KindForbidden)
}

func TestEditUserEmailAndPassword(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()
	require.NoError(t, f.repo.SetRefreshToken(ctx, f.user.ID, "live-token"))

	_, err := f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{Email: strPtr("BOB@x.com")})
	requireKind(t, err, KindConflict)

	_, err = f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{Email: strPtr("broken")})
	requireKind(t, err, KindValidation)

	assert.Equal(t, "live-token", f.repo.get(f.user.ID).RefreshToken)

	updated, err := f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{
		Email:    strPtr(" New@X.com "),
		Password: strPtr("newsecret"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", updated.Email)

	stored := f.repo.get(f.user.ID)
	assert.True(t, testHasher.Verify("newsecret", stored.PasswordHash))
	assert.Empty(t, stored.RefreshToken)
}

func TestPasswordsOverBcryptLimitAreRejected(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()
	long := strings.Repeat("p", auth.MaxPasswordBytes+1)
	hashBefore := f.repo.get(f.user.ID).PasswordHash

	_, err := f.service.CreateUser(ctx, f.superAdmin, UserInput{
		UserName: "carol", Email: "carol@x.com", Password: long, PhoneNumber: "555", UserType: "user",
	})
	requireKind(t, err, KindValidation)

	_, err = f.service.BootstrapSuperAdmin(ctx, UserInput{
		UserName: "owner", Email: "owner@x.com", Password: long, PhoneNumber: "555",
	})
	requireKind(t, err, KindValidation)

	_, err = f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{Password: strPtr(long)})
	requireKind(t, err, KindValidation)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "password", serr.Field)
	assert.Equal(t, hashBefore, f.repo.get(f.user.ID).PasswordHash)
	assert.Empty(t, f.publisher.eventTypes())
}

func TestEditUserKeepsRefreshTokenOnProfileEdit(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()
	require.NoError(t, f.repo.SetRefreshToken(ctx, f.user.ID, "live-token"))

	_, err := f.service.EditUser(ctx, f.user, f.user.ID.String(), EditInput{PhoneNumber: strPtr("999")})
	require.NoError(t, err)
	assert.Equal(t, "live-token", f.repo.get(f.user.ID).RefreshToken)
}

func TestDeleteUserMatrix(t *testing.T) {
	f := newUserFixture()
	ctx := context.Background()

	result, err := f.service.DeleteUser(ctx, f.admin, f.user.ID.String())
	require.NoError(t, err)
	assert.Equal(t, DeletedUser{ID: f.user.ID, UserName: "alice", UserType: types.UserTypeUser}, result.DeletedUser)
	assert.Contains(t, f.cache.invalidated, f.user.ID)
	assert.Equal(t, []events.Type{events.UserDeleted}, f.publisher.eventTypes())

	_, err = f.service.DeleteUser(ctx, f.admin, f.otherAdmin.ID.String())
	requireKind(t, err, KindForbidden)

	_, err = f.service.DeleteUser(ctx, f.user, f.otherUser.ID.String())
	requireKind(t, err, KindForbidden)

	_, err = f.service.DeleteUser(ctx, f.superAdmin, f.otherAdmin.ID.String())
	assert.NoError(t, err)

	other := f.repo.seed(types.User{UserName: "root2", Email: "root2@x.com", UserType: types.UserTypeSuperAdmin})
	_, err = f.service.DeleteUser(ctx, f.superAdmin, other.ID.String())
	requireKind(t, err, KindForbidden)

	_, err = f.service.DeleteUser(ctx, f.superAdmin, uuid.NewString())
	requireKind(t, err, KindNotFound)

	_, err = f.service.DeleteUser(ctx, f.superAdmin, "42")
	requireKind(t, err, KindValidation)
}

func TestDeleteSelfFailsBeforeStore(t *testing.T) {
	f := newUserFixture()

	for _, caller := range []types.User{f.user, f.admin, f.superAdmin} {
		calls := f.repo.callCount()
		_, err := f.service.DeleteUser(context.Background(), caller, caller.ID.String())
		requireKind(t, err, KindValidation)
		assert.Equal(t, "You cannot delete your own account", err.Error())
		assert.Equal(t, calls, f.repo.callCount())
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestAvatarsDisabledWithoutStorage(t *testing.T) {
	f := newUserFixture()

	_, err := f.service.UploadAvatar(context.Background(), f.user, f.user.ID.String(), pngBytes(t))
	requireKind(t, err, KindNotFound)
	_, err = f.service.GetAvatar(context.Background(), f.user, f.user.ID.String())
	requireKind(t, err, KindNotFound)
}

func TestAvatarUploadAndDownload(t *testing.T) {
	avatars := storage.NewAvatarStore(storage.NewMemoryStorage("avatars"))
	f := newUserFixture(WithAvatarStore(avatars))
	ctx := context.Background()
	data := pngBytes(t)

	updated, err := f.service.UploadAvatar(ctx, f.user, f.user.ID.String(), data)
	require.NoError(t, err)
	assert.Equal(t, storage.AvatarKey(f.user.ID), updated.AvatarKey)

	obj, err := f.service.GetAvatar(ctx, f.admin, f.user.ID.String())
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", obj.ContentType)

	_, err = f.service.GetAvatar(ctx, f.otherUser, f.user.ID.String())
	requireKind(t, err, KindForbidden)
	_, err = f.service.UploadAvatar(ctx, f.otherUser, f.user.ID.String(), data)
	requireKind(t, err, KindForbidden)

	_, err = f.service.UploadAvatar(ctx, f.user, f.user.ID.String(), []byte("plain text, not an image"))
	requireKind(t, err, KindValidation)
	_, err = f.service.UploadAvatar(ctx, f.user, f.user.ID.String(), make([]byte, MaxAvatarBytes+1))
	requireKind(t, err, KindValidation)

	_, err = f.service.GetAvatar(ctx, f.otherUser, f.otherUser.ID.String())
	requireKind(t, err, KindNotFound)

	_, err = f.service.DeleteUser(ctx, f.admin, f.user.ID.String())
	require.NoError(t, err)
	_, err = avatars.GetAvatar(ctx, storage.AvatarKey(f.user.ID))
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}
