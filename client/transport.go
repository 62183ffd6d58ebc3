package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"
)

const (
	signinPath  = "/auth/signin"
	refreshPath = "/auth/refresh-access-token"
)

// Transport attaches the held access token to every request and renews the
// session once when the server answers 401.
//
// Concurrent requests that hit 401 with the same refresh token share a
// single refresh call. A request is replayed at most once; a second 401 is
// returned to the caller unchanged.
type Transport struct {
	// Base performs the actual requests. nil means http.DefaultTransport.
	Base http.RoundTripper
	// Store holds the session tokens.
	Store TokenStore
	// RefreshURL is the absolute URL of the refresh-access-token endpoint.
	RefreshURL string
	// OnSignedOut is called after the store was cleared because the session
	// could not be renewed.
	OnSignedOut func()

	group singleflight.Group
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func exempt(req *http.Request) bool {
	path := req.URL.Path
	return strings.HasSuffix(path, signinPath) || strings.HasSuffix(path, refreshPath)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if exempt(req) {
		return t.base().RoundTrip(req)
	}

	tokens, err := t.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	resp, err := t.base().RoundTrip(withBearer(req, tokens.AccessToken))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !replayable(req) {
		return resp, err
	}
	drain(resp)

	if tokens.RefreshToken == "" {
		t.signOut()
		return nil, ErrSessionExpired
	}

	renewed, err := t.renew(req, tokens)
	if err != nil {
		t.signOut()
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	replay := withBearer(req, renewed.AccessToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay body: %w", err)
		}
		replay.Body = body
	}
	return t.base().RoundTrip(replay)
}

// renew returns fresh tokens. If another request already rotated the
// session, the stored tokens are used without calling the server again.
func (t *Transport) renew(req *http.Request, sent Tokens) (Tokens, error) {
	current, err := t.Store.Load()
	if err != nil {
		return Tokens{}, err
	}
	if current.AccessToken != "" && current.AccessToken != sent.AccessToken {
		return current, nil
	}

	value, err, _ := t.group.Do(sent.RefreshToken, func() (any, error) {
		current, err := t.Store.Load()
		if err != nil {
			return Tokens{}, err
		}
		if current.RefreshToken != sent.RefreshToken && current.AccessToken != "" {
			return current, nil
		}

		fresh, err := t.refresh(req, sent.RefreshToken)
		if err != nil {
			return Tokens{}, err
		}
		if err := t.Store.Save(fresh); err != nil {
			return Tokens{}, fmt.Errorf("save tokens: %w", err)
		}
		return fresh, nil
	})
	if err != nil {
		return Tokens{}, err
	}
	return value.(Tokens), nil
}

func (t *Transport) refresh(origin *http.Request, refreshToken string) (Tokens, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return Tokens{}, err
	}
	// detached from the caller's context: the result is shared by every waiter
	req, err := http.NewRequestWithContext(context.WithoutCancel(origin.Context()), http.MethodPost, t.RefreshURL, bytes.NewReader(payload))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	var tokens Tokens
	if err := decodeEnvelope(resp, &tokens); err != nil {
		return Tokens{}, err
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return Tokens{}, errors.New("refresh response without tokens")
	}
	return tokens, nil
}

func (t *Transport) signOut() {
	_ = t.Store.Clear()
	if t.OnSignedOut != nil {
		t.OnSignedOut()
	}
}

func withBearer(req *http.Request, accessToken string) *http.Request {
	clone := req.Clone(req.Context())
	if accessToken != "" {
		clone.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return clone
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
