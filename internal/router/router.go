// Package router registers the HTTP routes of the API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/finlit/core-api/internal/handler"
	"github.com/finlit/core-api/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth registers the session endpoints under /auth, rate limited by
// limiter, and the protected /users routes behind JWTAuth.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, verifier middleware.AccessVerifier, limiter echo.MiddlewareFunc) {
	g := e.Group("/auth", limiter)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	// Rotates the refresh token; the presented one cannot be used again.
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)

	users := e.Group("/users", middleware.JWTAuth(verifier), middleware.RequireUser())
	users.GET("/me", a.Me)
}
