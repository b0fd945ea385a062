// Package service holds the authentication use cases. Handlers translate
// the sentinel errors declared here into HTTP statuses.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finlit/core-api/internal/logging"
	"github.com/finlit/core-api/internal/model"
	"github.com/finlit/core-api/internal/queue"
	"github.com/finlit/core-api/internal/repository"
	"github.com/finlit/core-api/internal/utils"
)

var (
	// ErrInvalidCredentials covers unknown email, wrong password and
	// inactive accounts alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailExists is the repository sentinel re-exported for callers of
	// Register.
	ErrEmailExists = repository.ErrEmailExists
	// ErrInvalidRefreshToken means the session cannot be renewed: the token
	// is invalid, expired, already used, or its user is gone or inactive.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrInvalidInput wraps a validation message safe to show to clients.
	ErrInvalidInput = errors.New("invalid input")
)

// UserStore persists users. Create reports repository.ErrEmailExists on a
// uniqueness violation and lookups report repository.ErrUserNotFound.
type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id string) (model.User, error)
}

// RevocationStore records consumed refresh token ids. Consume returns true
// only for the first call with a given id.
type RevocationStore interface {
	Consume(ctx context.Context, tokenID, userID string, expiresAt time.Time) (bool, error)
}

// Session is what login and register hand back to the client.
type Session struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	User         model.PublicUser `json:"user"`
}

// TokenPair is the result of a refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RegisterInput carries a new account. IdentificationNumber is optional.
type RegisterInput struct {
	IdentificationNumber string
	Name                 string
	LastName             string
	Email                string
	Password             string
	DateOfBirth          time.Time
}

func (in RegisterInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(in.LastName) == "" {
		missing = append(missing, "lastName")
	}
	if strings.TrimSpace(in.Email) == "" {
		missing = append(missing, "email")
	}
	if in.Password == "" {
		missing = append(missing, "password")
	}
	if in.DateOfBirth.IsZero() {
		missing = append(missing, "dateOfBirth")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

type AuthService struct {
	users   UserStore
	revoked RevocationStore
	tokens  *utils.TokenIssuer
	hasher  *utils.Hasher
	events  EventPublisher
	logger  logging.Logger
}

func NewAuthService(users UserStore, revoked RevocationStore, tokens *utils.TokenIssuer, hasher *utils.Hasher, events EventPublisher, logger logging.Logger) *AuthService {
	if events == nil {
		events = NopPublisher{}
	}
	if logger == nil {
		logger = logging.Nop{}
	}
	return &AuthService{
		users:   users,
		revoked: revoked,
		tokens:  tokens,
		hasher:  hasher,
		events:  events,
		logger:  logger,
	}
}

// Login checks the credentials against the stored user with exactly this
// email and issues a new session.
func (s *AuthService) Login(ctx context.Context, email, password string) (Session, error) {
	if email == "" || password == "" {
		return Session{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		s.hasher.VerifyMissing(password)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if !s.hasher.Verify(u.PasswordHash, password) || !u.Active() {
		return Session{}, ErrInvalidCredentials
	}

	sess, err := s.newSession(u)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, queue.EventUserLoggedIn, u, "")
	return sess, nil
}

// Register creates an active user and logs it in.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (Session, error) {
	if err := in.validate(); err != nil {
		return Session{}, err
	}
	switch _, err := s.users.GetByEmail(ctx, in.Email); {
	case err == nil:
		return Session{}, ErrEmailExists
	case !errors.Is(err, repository.ErrUserNotFound):
		return Session{}, fmt.Errorf("register: %w", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		IdentificationNumber: strings.TrimSpace(in.IdentificationNumber),
		Name:                 strings.TrimSpace(in.Name),
		LastName:             strings.TrimSpace(in.LastName),
		Email:                in.Email,
		DateOfBirth:          in.DateOfBirth,
		PasswordHash:         hash,
		Status:               model.StatusActive,
	}
	if err := s.users.Create(ctx, &u); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return Session{}, ErrEmailExists
		}
		return Session{}, fmt.Errorf("register: %w", err)
	}

	sess, err := s.newSession(u)
	if err != nil {
		return Session{}, err
	}
	s.publish(ctx, queue.EventUserRegistered, u, "")
	return sess, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed, so a second exchange with it fails.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, u, err := s.redeem(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	pair, err := s.issuePair(u.ID)
	if err != nil {
		return TokenPair{}, err
	}
	s.publish(ctx, queue.EventSessionRefreshed, u, claims.ID)
	return pair, nil
}

// Logout consumes the refresh token without issuing a new one. Access tokens
// already handed out stay valid until they expire.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidRefreshToken
	}
	if err := s.consume(ctx, claims); err != nil {
		return err
	}
	s.publish(ctx, queue.EventSessionRevoked, model.User{ID: claims.UserID}, claims.ID)
	return nil
}

// Profile returns the public fields of the user with id userID.
func (s *AuthService) Profile(ctx context.Context, userID string) (model.PublicUser, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.PublicUser{}, fmt.Errorf("profile: %w", err)
	}
	return u.Public(), nil
}

func (s *AuthService) redeem(ctx context.Context, refreshToken string) (utils.Claims, model.User, error) {
	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return utils.Claims{}, model.User{}, ErrInvalidRefreshToken
	}
	u, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return utils.Claims{}, model.User{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return utils.Claims{}, model.User{}, fmt.Errorf("refresh: %w", err)
	}
	if !u.Active() {
		return utils.Claims{}, model.User{}, ErrInvalidRefreshToken
	}
	if err := s.consume(ctx, claims); err != nil {
		return utils.Claims{}, model.User{}, err
	}
	return claims, u, nil
}

func (s *AuthService) consume(ctx context.Context, claims utils.Claims) error {
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrInvalidRefreshToken
	}
	first, err := s.revoked.Consume(ctx, claims.ID, claims.UserID, claims.ExpiresAt.Time)
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	if !first {
		s.logger.Warn(ctx, "refresh token reused", "user_id", claims.UserID, "jti", claims.ID)
		return ErrInvalidRefreshToken
	}
	return nil
}

func (s *AuthService) newSession(u model.User) (Session, error) {
	pair, err := s.issuePair(u.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
		User:         u.Public(),
	}, nil
}

func (s *AuthService) issuePair(userID string) (TokenPair, error) {
	access, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		ExpiresAt:    access.ExpiresAt,
	}, nil
}

func (s *AuthService) publish(ctx context.Context, typ string, u model.User, tokenID string) {
	ev := queue.AuthEvent{
		Type:       typ,
		UserID:     u.ID,
		Email:      u.Email,
		TokenID:    tokenID,
		RemoteIP:   ClientIP(ctx),
		OccurredAt: s.tokens.Now().Format(time.RFC3339),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "publish auth event failed", "event", typ, "error", err)
	}
}

type clientIPKey struct{}

// WithClientIP attaches the caller's address so published events can
// record it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the address stored by WithClientIP, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}
