package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/internal/events"
	"github.com/usermgmt/apiserver/internal/store"
	"github.com/usermgmt/apiserver/types"
	"go.uber.org/zap"
)

const (
	msgInvalidToken        = "Unauthorized: Invalid or expired token"
	msgInvalidRefreshToken = "refresh token is expired or used"
	msgUserNotFound        = "user does not exist"
)

// SignupPolicy is the set of user types and statuses self-service signup accepts.
type SignupPolicy struct {
	UserTypes []types.UserType
	Statuses  []types.Status
}

// SignupPolicyFromConfig returns the policy parsed by config.Config.Validate.
func SignupPolicyFromConfig(cfg config.AuthConfig) SignupPolicy {
	return SignupPolicy{UserTypes: cfg.AllowedSignupUserTypes, Statuses: cfg.AllowedSignupStatuses}
}

// SignInResult is returned by a successful sign-in.
type SignInResult struct {
	User         types.User `json:"user"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
}

// AuthService implements signup, signin, signout and token refresh.
type AuthService struct {
	repo   UserRepository
	tokens *auth.TokenService
	hasher auth.PasswordHasher
	policy SignupPolicy
	deps
}

func NewAuthService(repo UserRepository, tokens *auth.TokenService, hasher auth.PasswordHasher, policy SignupPolicy, opts ...Option) *AuthService {
	return &AuthService{
		repo:   repo,
		tokens: tokens,
		hasher: hasher,
		policy: policy,
		deps:   newDeps(opts),
	}
}

// Signup creates a self-service account.
func (s *AuthService) Signup(ctx context.Context, in UserInput) (types.User, error) {
	in = in.normalized()
	if err := validateStruct(in); err != nil {
		return types.User{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return types.User{}, err
	}

	userType := types.UserTypeUser
	if in.UserType != "" {
		parsed, err := parseUserType(in.UserType, s.policy.UserTypes...)
		if err != nil {
			return types.User{}, err
		}
		userType = parsed
	}
	status := types.StatusEnabled
	if in.Status != "" {
		parsed, err := parseStatus(in.Status, s.policy.Statuses...)
		if err != nil {
			return types.User{}, err
		}
		status = parsed
	}
	if err := validateAddress(in.Address); err != nil {
		return types.User{}, err
	}

	if _, err := s.repo.GetByEmail(ctx, in.Email); err == nil {
		return types.User{}, Conflict("email")
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.User{}, fmt.Errorf("check email: %w", err)
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
	})
	if err != nil {
		return types.User{}, fromStore(err, msgUserNotFound, "create user")
	}

	s.events.Publish(ctx, events.NewUserEvent(events.UserCreated, created, nil))
	s.logger.Info("user signed up", zap.String("user_id", created.ID.String()), zap.String("user_type", string(created.UserType)))
	return created.Sanitize(), nil
}

// Signin verifies credentials and starts a new session, replacing any
// previously stored refresh token.
func (s *AuthService) Signin(ctx context.Context, email, password string) (SignInResult, error) {
	email = types.NormalizeEmail(email)
	var missing []string
	if email == "" {
		missing = append(missing, "email")
	}
	if password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return SignInResult{}, MissingFields(missing...)
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.RecordAuth("signin", "not_found")
		}
		return SignInResult{}, fromStore(err, msgUserNotFound, "load user")
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		s.metrics.RecordAuth("signin", "bad_credentials")
		return SignInResult{}, Unauthorized("invalid user credentials")
	}
	if user.UserType.IsPrivileged() && user.Status != types.StatusEnabled {
		s.metrics.RecordAuth("signin", "forbidden")
		return SignInResult{}, Forbidden("account is not enabled")
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return SignInResult{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := s.repo.SetRefreshToken(ctx, user.ID, pair.RefreshToken); err != nil {
		return SignInResult{}, fromStore(err, msgUserNotFound, "store refresh token")
	}

	s.metrics.RecordAuth("signin", "success")
	return SignInResult{
		User:         user.Sanitize(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// Signout clears the stored refresh token of the token's subject. It succeeds
// when the token was already cleared or the user no longer exists.
func (s *AuthService) Signout(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.Verify(accessToken, auth.AccessToken)
	if err != nil {
		return Unauthorized(msgInvalidToken)
	}
	id, err := claims.UserID()
	if err != nil {
		return Unauthorized(msgInvalidToken)
	}

	if err := s.repo.SetRefreshToken(ctx, id, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("clear refresh token: %w", err)
	}
	s.metrics.RecordAuth("signout", "success")
	return nil
}

// RefreshAccessToken exchanges the stored refresh token for a new pair. The
// presented token must equal the stored one, so a rotated token is rejected.
func (s *AuthService) RefreshAccessToken(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		s.metrics.RecordAuth("refresh", "missing")
		return auth.TokenPair{}, Unauthorized("refresh token is required")
	}

	claims, err := s.tokens.Verify(refreshToken, auth.RefreshToken)
	if err != nil {
		s.metrics.RecordAuth("refresh", "invalid")
		return auth.TokenPair{}, Unauthorized("invalid or expired refresh token")
	}
	id, err := claims.UserID()
	if err != nil {
		return auth.TokenPair{}, Unauthorized("invalid or expired refresh token")
	}

	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return auth.TokenPair{}, fromStore(err, msgUserNotFound, "load user")
	}
	if user.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(user.RefreshToken), []byte(refreshToken)) != 1 {
		s.metrics.RecordAuth("refresh", "reused")
		s.logger.Warn("refresh token mismatch", zap.String("user_id", user.ID.String()))
		return auth.TokenPair{}, Unauthorized(msgInvalidRefreshToken)
	}

	pair, err := s.tokens.IssuePair(user)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("issue tokens: %w", err)
	}
	if err := s.repo.SetRefreshToken(ctx, user.ID, pair.RefreshToken); err != nil {
		return auth.TokenPair{}, fromStore(err, msgUserNotFound, "store refresh token")
	}

	s.metrics.RecordAuth("refresh", "success")
	return pair, nil
}

// GetCurrentUser returns the identity resolved by the session middleware.
func (s *AuthService) GetCurrentUser(_ context.Context, resolved *types.User) (types.User, error) {
	if resolved == nil {
		return types.User{}, Unauthorized("Unauthorized: no active session")
	}
	if resolved.Status == types.StatusDisabled {
		return types.User{}, Forbidden("account is disabled")
	}
	return resolved.Sanitize(), nil
}

// Authenticate verifies an access token and resolves its subject.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (types.User, error) {
	claims, err := s.tokens.Verify(accessToken, auth.AccessToken)
	if err != nil {
		return types.User{}, Unauthorized(msgInvalidToken)
	}
	return s.ResolveIdentity(ctx, claims)
}

// ResolveIdentity loads the user named by verified claims. It never writes.
func (s *AuthService) ResolveIdentity(ctx context.Context, claims *auth.Claims) (types.User, error) {
	if claims == nil {
		return types.User{}, Unauthorized(msgInvalidToken)
	}
	id, err := claims.UserID()
	if err != nil {
		return types.User{}, Unauthorized(msgInvalidToken)
	}

	user, err := s.cache.Load(ctx, id, func(ctx context.Context) (types.User, error) {
		return s.repo.GetByID(ctx, id)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, Unauthorized("Unauthorized: user not found")
		}
		return types.User{}, fmt.Errorf("resolve identity: %w", err)
	}
	return user.Sanitize(), nil
}
