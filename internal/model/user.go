package model

import "time"

// UserStatus mirrors the users.status enum.
type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusInactive UserStatus = "inactive"
)

// User represents a row of the `users` table. It is the server-side record
// and carries the password hash; handlers expose PublicUser instead.
//
// Fields:
//
//	ID                   – UUID primary key.
//	IdentificationNumber – optional national id, empty when not given.
//	Email                – unique, compared byte for byte.
//	PasswordHash         – bcrypt hash, never serialised.
//	Status               – active or inactive; inactive users cannot refresh.
type User struct {
	ID                   string
	IdentificationNumber string
	Name                 string
	LastName             string
	Email                string
	DateOfBirth          time.Time
	PasswordHash         string
	Status               UserStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Active reports whether the account may hold a session.
func (u User) Active() bool { return u.Status == StatusActive }

// PublicUser is the user snapshot returned to clients with a session.
type PublicUser struct {
	ID                   string    `json:"id"`
	IdentificationNumber string    `json:"identificationNumber,omitempty"`
	Name                 string    `json:"name"`
	LastName             string    `json:"lastName"`
	Email                string    `json:"email"`
	DateOfBirth          string    `json:"dateOfBirth"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
}

// DateLayout is the wire format of DateOfBirth.
const DateLayout = "2006-01-02"

// Public strips server-only fields.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:                   u.ID,
		IdentificationNumber: u.IdentificationNumber,
		Name:                 u.Name,
		LastName:             u.LastName,
		Email:                u.Email,
		DateOfBirth:          u.DateOfBirth.Format(DateLayout),
		Status:               string(u.Status),
		CreatedAt:            u.CreatedAt,
	}
}
