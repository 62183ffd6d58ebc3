package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/storage"
	"github.com/usermgmt/apiserver/internal/store"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100

	// MaxAvatarBytes bounds uploaded avatar images.
	MaxAvatarBytes = 2 << 20

	msgInvalidUserID = "invalid user ID format"
	msgTargetMissing = "user not found"
)

var avatarContentTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// ListQuery holds the getUsers query parameters.
type ListQuery struct {
	Page     int
	Limit    int
	UserName string
	UserType string
}

type Pagination struct {
	TotalItems  int `json:"totalItems"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
}

type ListResult struct {
	Users      []types.User `json:"users"`
	Pagination Pagination   `json:"pagination"`
}

// EditInput is the allow-list of fields editUser accepts. Nil means unchanged.
type EditInput struct {
	UserName    *string        `json:"userName"`
	Email       *string        `json:"email"`
	PhoneNumber *string        `json:"phoneNumber"`
	Address     *types.Address `json:"address"`
	Password    *string        `json:"password"`
	Status      *string        `json:"status"`
	UserType    *string        `json:"userType"`
}

func (in EditInput) empty() bool {
	return in.UserName == nil && in.Email == nil && in.PhoneNumber == nil && in.Address == nil &&
		in.Password == nil && in.Status == nil && in.UserType == nil
}

type DeletedUser struct {
	ID       uuid.UUID      `json:"id"`
	UserName string         `json:"userName"`
	UserType types.UserType `json:"userType"`
}

type DeleteResult struct {
	DeletedUser DeletedUser `json:"deletedUser"`
}

// UserService implements the administrative user operations. Every operation
// takes the authenticated caller and applies the role rules to it.
type UserService struct {
	repo   UserRepository
	hasher auth.PasswordHasher
	deps
}

func NewUserService(repo UserRepository, hasher auth.PasswordHasher, opts ...Option) *UserService {
	return &UserService{repo: repo, hasher: hasher, deps: newDeps(opts)}
}

// canView: self, an admin over user accounts, a super-admin over everyone.
func canView(caller, target types.User) bool {
	switch {
	case caller.ID == target.ID:
		return true
	case caller.UserType == types.UserTypeSuperAdmin:
		return true
	case caller.UserType == types.UserTypeAdmin:
		return target.UserType == types.UserTypeUser
	default:
		return false
	}
}

// canManage: self, an admin over user accounts, a super-admin over everyone
// except other super-admins.
func canManage(caller, target types.User) bool {
	switch {
	case caller.ID == target.ID:
		return true
	case caller.UserType == types.UserTypeSuperAdmin:
		return target.UserType != types.UserTypeSuperAdmin
	case caller.UserType == types.UserTypeAdmin:
		return target.UserType == types.UserTypeUser
	default:
		return false
	}
}

// canDelete is canManage without self.
func canDelete(caller, target types.User) bool {
	return caller.ID != target.ID && canManage(caller, target)
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, ValidationError(msgInvalidUserID, "userId")
	}
	return id, nil
}

func (s *UserService) load(ctx context.Context, rawID string) (types.User, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return types.User{}, err
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, fromStore(err, msgTargetMissing, "load user")
	}
	return user, nil
}

// CreateUser lets a super-admin create admin or user accounts.
func (s *UserService) CreateUser(ctx context.Context, caller types.User, in UserInput) (types.User, error) {
	if caller.UserType != types.UserTypeSuperAdmin {
		return types.User{}, Forbidden("only super-admins can create users")
	}

	in = in.normalized()
	if err := validateStruct(in); err != nil {
		return types.User{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return types.User{}, err
	}
	if in.UserType == "" {
		return types.User{}, MissingFields("userType")
	}
	userType, err := parseUserType(in.UserType, types.UserTypeAdmin, types.UserTypeUser)
	if err != nil {
		return types.User{}, err
	}
	status := types.StatusEnabled
	if in.Status != "" {
		status, err = parseStatus(in.Status, types.StatusEnabled, types.StatusDisabled)
		if err != nil {
			return types.User{}, err
		}
	}
	if err := validateAddress(in.Address); err != nil {
		return types.User{}, err
	}

	createdBy := caller.ID
	created, err := s.create(ctx, in, userType, status, &createdBy)
	if err != nil {
		return types.User{}, err
	}
	s.events.Publish(ctx, events.NewUserEvent(events.UserCreated, created, &caller))
	return created.Sanitize(), nil
}

// BootstrapSuperAdmin creates a super-admin account. It is only reachable
// from the command line.
func (s *UserService) BootstrapSuperAdmin(ctx context.Context, in UserInput) (types.User, error) {
	in = in.normalized()
	if err := validateStruct(in); err != nil {
		return types.User{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return types.User{}, err
	}
	if err := validateAddress(in.Address); err != nil {
		return types.User{}, err
	}
	created, err := s.create(ctx, in, types.UserTypeSuperAdmin, types.StatusEnabled, nil)
	if err != nil {
		return types.User{}, err
	}
	s.events.Publish(ctx, events.NewUserEvent(events.UserCreated, created, nil))
	return created.Sanitize(), nil
}

func (s *UserService) create(ctx context.Context, in UserInput, userType types.UserType, status types.Status, createdBy *uuid.UUID) (types.User, error) {
	existing, err := s.repo.FindByEmailOrUserName(ctx, in.Email, in.UserName)
	if err == nil {
		if existing.Email == in.Email {
			return types.User{}, Conflict("email")
		}
		return types.User{}, Conflict("userName")
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.User{}, fmt.Errorf("check duplicates: %w", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.repo.Create(ctx, types.User{
		UserName:     in.UserName,
		Email:        in.Email,
		PhoneNumber:  in.PhoneNumber,
		PasswordHash: hash,
		UserType:     userType,
		Status:       status,
		Address:      in.Address,
		CreatedBy:    createdBy,
	})
	if err != nil {
		return types.User{}, fromStore(err, msgTargetMissing, "create user")
	}
	return created, nil
}

// ListUsers returns one page of the users visible to caller, newest first.
func (s *UserService) ListUsers(ctx context.Context, caller types.User, q ListQuery) (ListResult, error) {
	if !caller.UserType.IsPrivileged() {
		return ListResult{}, Forbidden("you are not allowed to list users")
	}

	filter := store.ListFilter{
		ExcludeID:        caller.ID,
		UserNameContains: strings.TrimSpace(q.UserName),
	}
	if raw := strings.TrimSpace(q.UserType); raw != "" {
		if caller.UserType != types.UserTypeSuperAdmin {
			return ListResult{}, Forbidden("only super-admins can filter by userType")
		}
		userType, err := parseUserType(raw, types.UserTypes...)
		if err != nil {
			return ListResult{}, err
		}
		filter.UserTypes = []types.UserType{userType}
	} else if caller.UserType != types.UserTypeSuperAdmin {
		filter.UserTypes = []types.UserType{types.UserTypeUser}
	}

	page, limit := normalizePage(q.Page, q.Limit)
	filter.Limit = limit
	filter.Offset = (page - 1) * limit

	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return ListResult{}, fmt.Errorf("list users: %w", err)
	}

	result := ListResult{
		Users: make([]types.User, 0, len(users)),
		Pagination: Pagination{
			TotalItems:  total,
			TotalPages:  int(math.Ceil(float64(total) / float64(limit))),
			CurrentPage: page,
		},
	}
	for _, user := range users {
		result.Users = append(result.Users, user.Sanitize())
	}
	return result, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

// GetUserByID returns the user named by rawID when caller may view it.
func (s *UserService) GetUserByID(ctx context.Context, caller types.User, rawID string) (types.User, error) {
	target, err := s.load(ctx, rawID)
	if err != nil {
		return types.User{}, err
	}
	if !canView(caller, target) {
		return types.User{}, Forbidden("you are not allowed to view this user")
	}
	return target.Sanitize(), nil
}

// EditUser applies the allow-listed fields of in to the user named by rawID.
func (s *UserService) EditUser(ctx context.Context, caller types.User, rawID string, in EditInput) (types.User, error) {
	target, err := s.load(ctx, rawID)
	if err != nil {
		return types.User{}, err
	}
	if !canManage(caller, target) {
		return types.User{}, Forbidden("you are not allowed to edit this user")
	}
	if in.empty() {
		return types.User{}, ValidationError("no editable fields supplied")
	}

	updated := target
	revokeSession := false

	if in.UserName != nil {
		name := strings.TrimSpace(*in.UserName)
		if name == "" {
			return types.User{}, MissingFields("userName")
		}
		updated.UserName = name
	}
	if in.Email != nil {
		email := types.NormalizeEmail(*in.Email)
		if err := validateEmail(email); err != nil {
			return types.User{}, err
		}
		if email != target.Email {
			existing, err := s.repo.GetByEmail(ctx, email)
			if err == nil && existing.ID != target.ID {
				return types.User{}, Conflict("email")
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return types.User{}, fmt.Errorf("check email: %w", err)
			}
		}
		updated.Email = email
	}
	if in.PhoneNumber != nil {
		phone := strings.TrimSpace(*in.PhoneNumber)
		if phone == "" {
			return types.User{}, MissingFields("phoneNumber")
		}
		updated.PhoneNumber = phone
	}
	if in.Address != nil {
		address := in.Address.Trimmed()
		if err := validateAddress(&address); err != nil {
			return types.User{}, err
		}
		updated.Address = &address
	}
	if in.Password != nil {
		if *in.Password == "" {
			return types.User{}, MissingFields("password")
		}
		if err := validatePassword(*in.Password); err != nil {
			return types.User{}, err
		}
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return types.User{}, fmt.Errorf("hash password: %w", err)
		}
		updated.PasswordHash = hash
		revokeSession = true
	}
	if in.Status != nil {
		if !caller.UserType.IsPrivileged() || caller.ID == target.ID {
			return types.User{}, Forbidden("you are not allowed to change the status")
		}
		status, err := parseStatus(*in.Status, types.Statuses...)
		if err != nil {
			return types.User{}, err
		}
		updated.Status = status
		if status == types.StatusDisabled {
			revokeSession = true
		}
	}
	if in.UserType != nil {
		if caller.UserType != types.UserTypeSuperAdmin || caller.ID == target.ID {
			return types.User{}, Forbidden("only super-admins can change the userType")
		}
		userType, err := parseUserType(*in.UserType, types.UserTypeAdmin, types.UserTypeUser)
		if err != nil {
			return types.User{}, err
		}
		updated.UserType = userType
	}

	saved, err := s.repo.Update(ctx, updated)
	if err != nil {
		return types.User{}, fromStore(err, msgTargetMissing, "update user")
	}
	if revokeSession {
		if err := s.repo.SetRefreshToken(ctx, saved.ID, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
			return types.User{}, fmt.Errorf("revoke session: %w", err)
		}
	}

	s.invalidate(ctx, saved.ID)
	s.events.Publish(ctx, events.NewUserEvent(events.UserUpdated, saved, &caller))
	return saved.Sanitize(), nil
}

// DeleteUser removes the user named by rawID. Self-deletion is rejected
// before the store is consulted.
func (s *UserService) DeleteUser(ctx context.Context, caller types.User, rawID string) (DeleteResult, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return DeleteResult{}, err
	}
	if id == caller.ID {
		return DeleteResult{}, ValidationError("You cannot delete your own account", "userId")
	}

	target, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return DeleteResult{}, fromStore(err, msgTargetMissing, "load user")
	}
	if !canDelete(caller, target) {
		return DeleteResult{}, Forbidden("you are not allowed to delete this user")
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return DeleteResult{}, fromStore(err, msgTargetMissing, "delete user")
	}

	if target.AvatarKey != "" && s.avatars != nil {
		if err := s.avatars.DeleteAvatar(ctx, target.AvatarKey); err != nil {
			s.logger.Warn("delete avatar", zap.String("user_id", id.String()), zap.Error(err))
		}
	}
	s.invalidate(ctx, id)
	s.events.Publish(ctx, events.NewUserEvent(events.UserDeleted, target, &caller))

	return DeleteResult{DeletedUser: DeletedUser{
		ID:       target.ID,
		UserName: target.UserName,
		UserType: target.UserType,
	}}, nil
}

// UploadAvatar stores data as the avatar of the user named by rawID.
func (s *UserService) UploadAvatar(ctx context.Context, caller types.User, rawID string, data []byte) (types.User, error) {
	if s.avatars == nil {
		return types.User{}, NotFound("avatar storage is not configured")
	}
	target, err := s.load(ctx, rawID)
	if err != nil {
		return types.User{}, err
	}
	if !canManage(caller, target) {
		return types.User{}, Forbidden("you are not allowed to edit this user")
	}

	if len(data) == 0 {
		return types.User{}, MissingFields("avatar")
	}
	if len(data) > MaxAvatarBytes {
		return types.User{}, ValidationError("avatar must be at most 2 MiB", "avatar")
	}
	contentType, ok := detectAvatarType(data)
	if !ok {
		return types.User{}, ValidationError("avatar must be a png, jpeg, gif or webp image", "avatar")
	}

	key, err := s.avatars.PutAvatar(ctx, target.ID, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return types.User{}, err
	}

	saved := target
	if target.AvatarKey != key {
		saved.AvatarKey = key
		saved, err = s.repo.Update(ctx, saved)
		if err != nil {
			return types.User{}, fromStore(err, msgTargetMissing, "update user")
		}
	}

	s.invalidate(ctx, saved.ID)
	s.events.Publish(ctx, events.NewUserEvent(events.UserUpdated, saved, &caller))
	return saved.Sanitize(), nil
}

// GetAvatar opens the avatar of the user named by rawID. Callers close Body.
func (s *UserService) GetAvatar(ctx context.Context, caller types.User, rawID string) (storage.Object, error) {
	if s.avatars == nil {
		return storage.Object{}, NotFound("avatar storage is not configured")
	}
	target, err := s.load(ctx, rawID)
	if err != nil {
		return storage.Object{}, err
	}
	if !canView(caller, target) {
		return storage.Object{}, Forbidden("you are not allowed to view this user")
	}
	if target.AvatarKey == "" {
		return storage.Object{}, NotFound("avatar not found")
	}

	obj, err := s.avatars.GetAvatar(ctx, target.AvatarKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return storage.Object{}, NotFound("avatar not found")
		}
		return storage.Object{}, fmt.Errorf("get avatar: %w", err)
	}
	return obj, nil
}

func detectAvatarType(data []byte) (string, bool) {
	detected := mimetype.Detect(data)
	for _, allowed := range avatarContentTypes {
		if detected.Is(allowed) {
			return allowed, true
		}
	}
	return "", false
}
