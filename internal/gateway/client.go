// Package gateway is the authenticated HTTP client for the chat REST surface.
// Every request carries the current access token; a 401 triggers at most one
// refresh exchange shared by all concurrently failing requests, after which
// each failed request is replayed exactly once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"go-sparchat/pkg/logger"
	"go-sparchat/pkg/metrics"
)

// RefreshPath is the token exchange endpoint.
const RefreshPath = "/api/auth/refresh"

var (
	// ErrSessionExpired is returned when the refresh exchange failed and the
	// session was terminated.
	ErrSessionExpired = errors.New("gateway: session expired")
	// ErrNoRefreshToken is the refresh failure cause when no refresh token is held.
	ErrNoRefreshToken = errors.New("gateway: no refresh token")
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Credentials is what the gateway needs from the session store.
type Credentials interface {
	AccessToken() string
	RefreshToken() string
	SetCredential(ctx context.Context, access, refresh string) error
	Terminate(ctx context.Context, reason string)
}

// Client wraps http.Client with bearer auth and single-flight refresh.
type Client struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	logger  *logger.Logger

	// refreshes holds at most one in-flight exchange; callers arriving while
	// it runs wait on the same result.
	refreshes singleflight.Group
}

// New creates a gateway for baseURL.
func New(baseURL string, creds Credentials, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		creds:   creds,
		logger:  logger.OrGlobal(log).Named("gateway"),
	}
}

// Do sends a JSON request and decodes a JSON response into out (if non-nil).
// A 401 on a request that carried a bearer token triggers one refresh and
// replay; a 401 on an anonymous request is returned as an *APIError.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out, true)
}

// doAnonymous sends a request without credentials and never refreshes.
func (c *Client) doAnonymous(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out, false)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var token string
	if authed {
		token = c.creds.AccessToken()
	}
	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		drain(resp)

		fresh, err := c.refresh(ctx, token)
		if err != nil {
			return err
		}

		// Replayed once; a second 401 goes back to the caller as is.
		resp, err = c.send(ctx, method, path, payload, fresh)
		if err != nil {
			return err
		}
	}

	return c.decode(method, resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRequest(method, "error")
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *Client) decode(method string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	metrics.RecordRequest(method, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// refresh returns a usable access token after a 401 on a request sent with
// staleToken.
func (c *Client) refresh(ctx context.Context, staleToken string) (string, error) {
	// Someone else already rotated the token after this request went out.
	if current := c.creds.AccessToken(); current != "" && current != staleToken {
		return current, nil
	}

	ch := c.refreshes.DoChan("refresh", func() (any, error) {
		// Detached from the first caller's context so its cancellation does
		// not fail the waiters.
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return c.exchange(exchangeCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Refresh replaces an access token another transport saw rejected. It joins
// an exchange already in flight and does nothing if rejected was already
// rotated away.
func (c *Client) Refresh(ctx context.Context, rejected string) error {
	_, err := c.refresh(ctx, rejected)
	return err
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// exchange trades the refresh token for a new access token. Any failure
// terminates the session.
func (c *Client) exchange(ctx context.Context) (string, error) {
	refreshToken := c.creds.RefreshToken()

	token, err := c.postRefresh(ctx, refreshToken)
	if err != nil {
		metrics.RecordRefresh(false)
		c.logger.Warn("token refresh failed, terminating session", zap.Error(err))
		c.creds.Terminate(ctx, "token refresh failed")
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	rotated := token.RefreshToken
	if rotated == "" {
		rotated = refreshToken
	}
	if err := c.creds.SetCredential(ctx, token.AccessToken, rotated); err != nil {
		metrics.RecordRefresh(false)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	metrics.RecordRefresh(true)
	c.logger.Debug("access token refreshed")
	return token.AccessToken, nil
}

func (c *Client) postRefresh(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	payload, _ := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	// The exchange itself never carries the bearer header and is never retried.
	resp, err := c.send(ctx, http.MethodPost, RefreshPath, payload, "")
	if err != nil {
		return nil, err
	}

	var out refreshResponse
	if err := c.decode(http.MethodPost, resp, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errors.New("refresh response without access token")
	}
	return &out, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
