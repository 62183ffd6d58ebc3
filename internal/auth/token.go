package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/config"
	"github.com/usermgmt/apiserver/types"
)

var (
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrTokenMalformed   = errors.New("token is malformed")
)

// TokenKind separates access tokens from refresh tokens. Each kind is signed
// with its own secret.
type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

// Claims is the payload carried by both token kinds. UserType and Email are
// only set on access tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserType types.UserType `json:"userType,omitempty"`
	Email    string         `json:"email,omitempty"`
	Kind     TokenKind      `json:"kind"`
}

// UserID parses the subject as a user id.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// TokenPair is the result of a successful sign-in or refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type tokenPolicy struct {
	secret []byte
	ttl    time.Duration
}

// TokenService mints and verifies HS256 tokens.
type TokenService struct {
	issuer   string
	policies map[TokenKind]tokenPolicy
	now      func() time.Time
}

// NewTokenService builds a TokenService from the auth configuration.
func NewTokenService(cfg config.AuthConfig) *TokenService {
	return &TokenService{
		issuer: cfg.Issuer,
		policies: map[TokenKind]tokenPolicy{
			AccessToken:  {secret: []byte(cfg.AccessTokenSecret), ttl: cfg.AccessTokenTTL},
			RefreshToken: {secret: []byte(cfg.RefreshTokenSecret), ttl: cfg.RefreshTokenTTL},
		},
		now: time.Now,
	}
}

// IssuePair mints a fresh access and refresh token for user.
func (s *TokenService) IssuePair(user types.User) (TokenPair, error) {
	access, err := s.IssueAccess(user)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.IssueRefresh(user)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// IssueAccess mints an access token embedding the user's role and email.
func (s *TokenService) IssueAccess(user types.User) (string, error) {
	claims := s.baseClaims(user, AccessToken)
	claims.UserType = user.UserType
	claims.Email = user.Email
	return s.sign(claims)
}

// IssueRefresh mints a refresh token carrying only the subject.
func (s *TokenService) IssueRefresh(user types.User) (string, error) {
	return s.sign(s.baseClaims(user, RefreshToken))
}

func (s *TokenService) baseClaims(user types.User, kind TokenKind) *Claims {
	now := s.now()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.policies[kind].ttl)),
		},
		Kind: kind,
	}
}

func (s *TokenService) sign(claims *Claims) (string, error) {
	policy, ok := s.policies[claims.Kind]
	if !ok {
		return "", fmt.Errorf("unknown token kind %q", claims.Kind)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(policy.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", claims.Kind, err)
	}
	return signed, nil
}

// Verify parses tokenString as a token of the given kind. It fails with
// ErrTokenExpired, ErrInvalidSignature or ErrTokenMalformed.
func (s *TokenService) Verify(tokenString string, kind TokenKind) (*Claims, error) {
	policy, ok := s.policies[kind]
	if !ok {
		return nil, ErrTokenMalformed
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrTokenMalformed
	}

	options := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		options = append(options, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return policy.secret, nil
	}, options...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrTokenMalformed
		}
	}
	if !token.Valid || claims.Kind != kind {
		return nil, ErrTokenMalformed
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
