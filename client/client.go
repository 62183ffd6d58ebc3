// Package client is a Go client for the user management API. It keeps the
// session tokens in a TokenStore and renews them transparently through
// Transport.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/usermgmt/apiserver/types"
)

const apiPrefix = "/api/v1"

// Client represents the main API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      TokenStore
}

type options struct {
	store       TokenStore
	base        http.RoundTripper
	timeout     time.Duration
	onSignedOut func()
}

// Option represents a functional option for configuring the Client.
type Option func(*options)

// WithTokenStore sets where session tokens are kept. Defaults to memory.
func WithTokenStore(store TokenStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithBaseTransport sets the RoundTripper used beneath the refresh logic.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.base = rt
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithOnSignedOut registers a callback run when the session is dropped
// because it could not be renewed.
func WithOnSignedOut(fn func()) Option {
	return func(o *options) {
		o.onSignedOut = fn
	}
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	o := options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = NewMemoryTokenStore()
	}

	baseURL = strings.TrimRight(baseURL, "/")
	transport := &Transport{
		Base:        o.base,
		Store:       o.store,
		RefreshURL:  baseURL + apiPrefix + refreshPath,
		OnSignedOut: o.onSignedOut,
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: transport, Timeout: o.timeout},
		store:      o.store,
	}
}

// Tokens returns the currently held session tokens.
func (c *Client) Tokens() (Tokens, error) {
	return c.store.Load()
}

// SignupRequest is the payload of Signup.
type SignupRequest struct {
	UserName    string         `json:"userName"`
	Email       string         `json:"email"`
	Password    string         `json:"password"`
	PhoneNumber string         `json:"phoneNumber"`
	UserType    string         `json:"userType,omitempty"`
	Status      string         `json:"status,omitempty"`
	Address     *types.Address `json:"address,omitempty"`
}

// CreateUserRequest is the payload of CreateUser. UserType is required.
type CreateUserRequest = SignupRequest

// EditUserRequest carries the fields to change. Nil fields are left as they are.
type EditUserRequest struct {
	UserName    *string        `json:"userName,omitempty"`
	Email       *string        `json:"email,omitempty"`
	PhoneNumber *string        `json:"phoneNumber,omitempty"`
	Address     *types.Address `json:"address,omitempty"`
	Password    *string        `json:"password,omitempty"`
	Status      *string        `json:"status,omitempty"`
	UserType    *string        `json:"userType,omitempty"`
}

// ListUsersParams filters GetUsers. Zero values use the server defaults.
type ListUsersParams struct {
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

type UserPage struct {
	Users      []types.User `json:"users"`
	Pagination Pagination   `json:"pagination"`
}

type DeletedUser struct {
	ID       uuid.UUID      `json:"id"`
	UserName string         `json:"userName"`
	UserType types.UserType `json:"userType"`
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Success    bool            `json:"success"`
}

func decodeEnvelope(resp *http.Response, out any) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp, out)
}

// Signup registers a self-service account. It does not sign in.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodPost, "/auth/signup", req, &user)
	return user, err
}

// Signin exchanges credentials for a session and stores its tokens.
func (c *Client) Signin(ctx context.Context, email, password string) (types.User, error) {
	var result struct {
		User         types.User `json:"user"`
		AccessToken  string     `json:"accessToken"`
		RefreshToken string     `json:"refreshToken"`
	}
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, signinPath, body, &result); err != nil {
		return types.User{}, err
	}
	if err := c.store.Save(Tokens{AccessToken: result.AccessToken, RefreshToken: result.RefreshToken}); err != nil {
		return types.User{}, fmt.Errorf("save tokens: %w", err)
	}
	return result.User, nil
}

// Signout ends the session on the server. Local tokens are cleared even when
// the server call fails.
func (c *Client) Signout(ctx context.Context) error {
	tokens, err := c.store.Load()
	if err != nil {
		return err
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return nil
	}
	callErr := c.do(ctx, http.MethodPost, "/auth/signout", nil, nil)
	if err := c.store.Clear(); err != nil {
		return err
	}
	if errors.Is(callErr, ErrSessionExpired) {
		return nil
	}
	return callErr
}

// RefreshAccessToken rotates the session explicitly.
func (c *Client) RefreshAccessToken(ctx context.Context) error {
	tokens, err := c.store.Load()
	if err != nil {
		return err
	}
	if tokens.RefreshToken == "" {
		return ErrNotSignedIn
	}
	var fresh Tokens
	if err := c.do(ctx, http.MethodPost, refreshPath, map[string]string{"refreshToken": tokens.RefreshToken}, &fresh); err != nil {
		return err
	}
	return c.store.Save(fresh)
}

// CurrentUser returns the signed-in user.
func (c *Client) CurrentUser(ctx context.Context) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodGet, "/auth/get-current-user", nil, &user)
	return user, err
}

// RequireRole reports ErrInsufficientRole unless the signed-in user has one of
// roles. It is a convenience for callers; the server enforces roles itself.
func (c *Client) RequireRole(ctx context.Context, roles ...types.UserType) (types.User, error) {
	tokens, err := c.store.Load()
	if err != nil {
		return types.User{}, err
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return types.User{}, ErrNotSignedIn
	}
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return types.User{}, err
	}
	if !user.UserType.In(roles...) {
		return user, ErrInsufficientRole
	}
	return user, nil
}

func (c *Client) ListUsers(ctx context.Context, params ListUsersParams) (UserPage, error) {
	query := url.Values{}
	if params.Page > 0 {
		query.Set("page", strconv.Itoa(params.Page))
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.UserName != "" {
		query.Set("userName", params.UserName)
	}
	if params.UserType != "" {
		query.Set("userType", params.UserType)
	}
	path := "/user/getUsers"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var page UserPage
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) GetUser(ctx context.Context, id uuid.UUID) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodGet, "/user/getUserById/"+id.String(), nil, &user)
	return user, err
}

func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodPost, "/user/createUser", req, &user)
	return user, err
}

func (c *Client) EditUser(ctx context.Context, id uuid.UUID, req EditUserRequest) (types.User, error) {
	var user types.User
	err := c.do(ctx, http.MethodPatch, "/user/editUser/"+id.String(), req, &user)
	return user, err
}

func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) (DeletedUser, error) {
	var result struct {
		DeletedUser DeletedUser `json:"deletedUser"`
	}
	err := c.do(ctx, http.MethodDelete, "/user/deleteUser/"+id.String(), nil, &result)
	return result.DeletedUser, err
}

// UploadAvatar sends image as the avatar of id. The body is buffered so the
// request can be replayed after a token refresh.
func (c *Client) UploadAvatar(ctx context.Context, id uuid.UUID, filename string, image io.Reader) (types.User, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("avatar", filename)
	if err != nil {
		return types.User{}, err
	}
	if _, err := io.Copy(part, image); err != nil {
		return types.User{}, fmt.Errorf("read avatar: %w", err)
	}
	if err := writer.Close(); err != nil {
		return types.User{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+apiPrefix+"/user/avatar/"+id.String(), bytes.NewReader(body.Bytes()))
	if err != nil {
		return types.User{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.User{}, err
	}
	defer resp.Body.Close()

	var user types.User
	err = decodeEnvelope(resp, &user)
	return user, err
}

// GetAvatar downloads the avatar of id. The caller closes the returned body.
func (c *Client) GetAvatar(ctx context.Context, id uuid.UUID) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+"/user/avatar/"+id.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", decodeEnvelope(resp, nil)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
