package middleware

import "github.com/labstack/echo/v4"

// RequireUser rejects requests that reach a protected handler without an
// authenticated user id. It guards against routes mounted without JWTAuth,
// where a missing id would otherwise read as an anonymous caller.
func RequireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if UserID(c) == "" {
				return unauthorized(c)
			}
			return next(c)
		}
	}
}
