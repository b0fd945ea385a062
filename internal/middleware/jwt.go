package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/finlit/core-api/internal/utils"
)

// UserIDKey is the echo context key JWTAuth stores the authenticated user
// id under.
const UserIDKey = "user_id"

// AccessVerifier checks access tokens. *utils.TokenIssuer implements it.
type AccessVerifier interface {
	VerifyAccessToken(raw string) (utils.Claims, error)
}

// JWTAuth returns an Echo middleware that validates a Bearer access token and
// stores its user id in the context. Every failure is the same 401 so the
// response does not tell which check failed.
func JWTAuth(v AccessVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return unauthorized(c)
			}
			claims, err := v.VerifyAccessToken(raw)
			if err != nil {
				return unauthorized(c)
			}
			c.Set(UserIDKey, claims.UserID)
			return next(c)
		}
	}
}

// bearerToken extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively and the token must be non-empty and contain no
// spaces.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}
