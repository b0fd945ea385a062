package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/finlit/core-api/internal/middleware"
	"github.com/finlit/core-api/internal/model"
	"github.com/finlit/core-api/internal/repository"
	"github.com/finlit/core-api/internal/service"
)

const requestTimeout = 5 * time.Second

// AuthHandler exposes the auth use cases over HTTP.
type AuthHandler struct {
	Auth *service.AuthService
}

func NewAuthHandler(a *service.AuthService) *AuthHandler {
	return &AuthHandler{Auth: a}
}

// ----- DTOs -----

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerReq struct {
	IdentificationNumber string `json:"identificationNumber"`
	Name                 string `json:"name"`
	LastName             string `json:"lastName"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	DateOfBirth          string `json:"dateOfBirth"` // YYYY-MM-DD
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

// Login: verify credentials and return a new session.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return badRequest(c, "missing required fields")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sess, err := h.Auth.Login(ctx, email, req.Password)
	if err != nil {
		return authError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// Register: create the user and return a session right away.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.LastName) == "" ||
		strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.DateOfBirth) == "" {
		return badRequest(c, "missing required fields")
	}
	dob, err := time.Parse(model.DateLayout, strings.TrimSpace(req.DateOfBirth))
	if err != nil {
		return badRequest(c, "dateOfBirth must be YYYY-MM-DD")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sess, err := h.Auth.Register(ctx, service.RegisterInput{
		IdentificationNumber: req.IdentificationNumber,
		Name:                 req.Name,
		LastName:             req.LastName,
		Email:                normalizeEmail(req.Email),
		Password:             req.Password,
		DateOfBirth:          dob,
	})
	if err != nil {
		return authError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// normalizeEmail must be applied identically on register and login.
func normalizeEmail(s string) string { return strings.TrimSpace(s) }

// Refresh: exchange a refresh token for a new pair. The old token is spent.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "missing required fields")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	pair, err := h.Auth.Refresh(ctx, strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return authError(err)
	}
	return c.JSON(http.StatusOK, pair)
}

// Logout: revoke the given refresh token. 204 on success.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		return badRequest(c, "missing required fields")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.Auth.Logout(ctx, strings.TrimSpace(req.RefreshToken)); err != nil {
		return authError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated user's public profile.
func (h *AuthHandler) Me(c echo.Context) error {
	uid := middleware.UserID(c)
	if uid == "" {
		return echo.ErrUnauthorized
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	u, err := h.Auth.Profile(ctx, uid)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return echo.ErrUnauthorized
		}
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	ctx := service.WithClientIP(c.Request().Context(), c.RealIP())
	return context.WithTimeout(ctx, requestTimeout)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}
