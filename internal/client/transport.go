package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/finlit/core-api/internal/logging"
)

// RefreshFunc exchanges a refresh token for new tokens. It must not go
// through the Transport it is configured on.
type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

// ErrNoSession is returned when a refresh is needed but no session exists.
var ErrNoSession = errors.New("no session")

const refreshTimeout = 10 * time.Second

// Transport attaches the session's access token to every request and, when
// the server answers 401 or 403 to an authenticated request, refreshes the
// session once and re-issues the request once with the new token.
//
// Concurrent requests failing with the same token share a single refresh.
// A request whose token was already replaced by another request's refresh
// is retried with the current token without refreshing again. A caller whose
// context ends while waiting on a refresh gets the context error; the shared
// refresh itself keeps running for the other waiters.
//
// The session is cleared only when the refresh endpoint rejects the refresh
// token with a 4xx. A network error or a 5xx from the refresh endpoint keeps
// the session and hands the original 401 or 403 back to the caller, so a
// server outage does not log the user out.
type Transport struct {
	Base     http.RoundTripper
	Sessions *SessionManager
	Refresh  RefreshFunc
	Logger   logging.Logger

	group singleflight.Group
}

type retriedKey struct{}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() logging.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return logging.Nop{}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req
	if req.Header.Get("Authorization") == "" {
		if s, ok := t.Sessions.Get(); ok && s.AccessToken != "" {
			out = withBearer(req, s.AccessToken)
		}
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		// network failures are never treated as auth failures
		return nil, err
	}
	if !needsRefresh(resp.StatusCode) || out.Header.Get("Authorization") == "" {
		return resp, nil
	}
	if retried, _ := req.Context().Value(retriedKey{}).(bool); retried {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// body cannot be replayed
		return resp, nil
	}

	sent := bearerOf(out)
	token, err := t.renew(req.Context(), sent)
	if ctxErr := req.Context().Err(); ctxErr != nil {
		drain(resp)
		return nil, ctxErr
	}
	if err != nil {
		t.logger().Warn(req.Context(), "session refresh failed", "error", err)
		return resp, nil
	}

	retry, err := t.replay(req, token)
	if err != nil {
		return resp, nil
	}
	drain(resp)
	return t.base().RoundTrip(retry)
}

// renew returns an access token newer than sent, refreshing the session if
// nobody has done so yet.
func (t *Transport) renew(ctx context.Context, sent string) (string, error) {
	if tok, ok := t.rotatedSince(sent); ok {
		return tok, nil
	}

	ch := t.group.DoChan("refresh", func() (interface{}, error) {
		if tok, ok := t.rotatedSince(sent); ok {
			return tok, nil
		}
		s, ok := t.Sessions.Get()
		if !ok || s.RefreshToken == "" {
			return "", ErrNoSession
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		tokens, err := t.Refresh(rctx, s.RefreshToken)
		if err != nil {
			if rejected(err) {
				t.Sessions.Clear()
			}
			return "", err
		}
		if !t.Sessions.Rotate(tokens) {
			return "", ErrNoSession
		}
		t.logger().Debug(ctx, "session refreshed", "expires_at", tokens.ExpiresAt)
		return tokens.AccessToken, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// rotatedSince reports the current access token when it differs from sent.
func (t *Transport) rotatedSince(sent string) (string, bool) {
	s, ok := t.Sessions.Get()
	if !ok || s.AccessToken == "" || s.AccessToken == sent {
		return "", false
	}
	return s.AccessToken, true
}

func (t *Transport) replay(req *http.Request, token string) (*http.Request, error) {
	ctx := context.WithValue(req.Context(), retriedKey{}, true)
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return r, nil
}

// rejected reports whether the refresh endpoint answered with a client
// error, meaning the refresh token itself is no longer usable. Transport
// errors and 5xx keep the session so a later request can try again.
func rejected(err error) bool {
	if errors.Is(err, ErrNoSession) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

func needsRefresh(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func bearerOf(req *http.Request) string {
	const prefix = "Bearer "
	h := req.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
