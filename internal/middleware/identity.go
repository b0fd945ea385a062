package middleware

import "github.com/labstack/echo/v4"

// UserID returns the id JWTAuth attached to c, or "" when the request was
// not authenticated.
func UserID(c echo.Context) string {
	s, _ := c.Get(UserIDKey).(string)
	return s
}
