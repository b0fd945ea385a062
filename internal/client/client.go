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
	"time"

	"github.com/finlit/core-api/internal/logging"
	"github.com/finlit/core-api/internal/model"
)

// DefaultTimeout bounds every request, including the retry after a refresh.
// A timeout surfaces as a network error, never as an auth failure.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the auth API and keeps the resulting session.
type Client struct {
	baseURL  string
	sessions *SessionManager
	logger   logging.Logger

	// authed goes through Transport; plain is used for the session
	// endpoints themselves so they never trigger a refresh.
	authed *http.Client
	plain  *http.Client
}

type Option func(*options)

type options struct {
	base     http.RoundTripper
	timeout  time.Duration
	logger   logging.Logger
	sessions *SessionManager
}

// WithBaseTransport sets the RoundTripper requests are finally sent with.
func WithBaseTransport(rt http.RoundTripper) Option { return func(o *options) { o.base = rt } }

func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

func WithLogger(l logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithSessionManager shares an existing manager, e.g. one restored from
// storage at startup.
func WithSessionManager(m *SessionManager) Option { return func(o *options) { o.sessions = m } }

func New(baseURL string, opts ...Option) *Client {
	o := options{timeout: DefaultTimeout, logger: logging.Nop{}, base: http.DefaultTransport}
	for _, fn := range opts {
		fn(&o)
	}
	if o.sessions == nil {
		o.sessions = NewSessionManager()
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sessions: o.sessions,
		logger:   o.logger,
		plain:    &http.Client{Transport: o.base, Timeout: o.timeout},
	}
	c.authed = &http.Client{
		Transport: &Transport{
			Base:     o.base,
			Sessions: o.sessions,
			Refresh:  c.refresh,
			Logger:   o.logger,
		},
		Timeout: o.timeout,
	}
	return c
}

// Sessions exposes the session manager, e.g. to register OnClear hooks.
func (c *Client) Sessions() *SessionManager { return c.sessions }

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	IdentificationNumber string `json:"identificationNumber,omitempty"`
	Name                 string `json:"name"`
	LastName             string `json:"lastName"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	DateOfBirth          string `json:"dateOfBirth"`
}

// Login authenticates and stores the new session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	body := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, c.plain, http.MethodPost, "/auth/login", body, &s); err != nil {
		return Session{}, err
	}
	c.sessions.Set(s)
	return s, nil
}

// Register creates an account and stores the new session.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	var s Session
	if err := c.call(ctx, c.plain, http.MethodPost, "/auth/register", req, &s); err != nil {
		return Session{}, err
	}
	c.sessions.Set(s)
	return s, nil
}

// Refresh renews the stored session explicitly. A rejected refresh token
// clears the session.
func (c *Client) Refresh(ctx context.Context) error {
	s, ok := c.sessions.Get()
	if !ok {
		return ErrNoSession
	}
	t, err := c.refresh(ctx, s.RefreshToken)
	if err != nil {
		if rejected(err) {
			c.sessions.Clear()
		}
		return err
	}
	c.sessions.Rotate(t)
	return nil
}

// Logout revokes the refresh token on the server and clears the local
// session. The session is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	s, ok := c.sessions.Get()
	if !ok {
		return nil
	}
	defer c.sessions.Clear()
	return c.call(ctx, c.plain, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": s.RefreshToken}, nil)
}

// Me fetches the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (model.PublicUser, error) {
	var u model.PublicUser
	if err := c.call(ctx, c.authed, http.MethodGet, "/users/me", nil, &u); err != nil {
		return model.PublicUser{}, err
	}
	return u, nil
}

// Do sends an arbitrary request through the refreshing transport. The
// caller owns the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.authed.Do(req)
}

// NewRequest builds a request against the API base URL with a replayable
// JSON body.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	var t Tokens
	err := c.call(ctx, c.plain, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, &t)
	return t, err
}

func (c *Client) call(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
