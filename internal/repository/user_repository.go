package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finlit/core-api/internal/model"
)

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

const userColumns = "id,identification_number,name,last_name,email,date_of_birth,password_hash,status,created_at,updated_at"

// Create inserts u and fills in its ID and timestamps. The email is stored
// exactly as given.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = model.StatusActive
	}
	now := time.Now().UTC().Truncate(time.Second)

	var idNumber sql.NullString
	if u.IdentificationNumber != "" {
		idNumber = sql.NullString{String: u.IdentificationNumber, Valid: true}
	}
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?,?,?,?,?,?,?,?,?,?)",
		u.ID, idNumber, u.Name, u.LastName, u.Email, u.DateOfBirth, u.PasswordHash, string(u.Status), now, now)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	u.CreatedAt, u.UpdatedAt = now, now
	return nil
}

// GetByEmail fetches a user by exact email; the column collation is binary
// so the match is case-sensitive.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email)
	return scanUser(row)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (model.User, error) {
	var (
		u        model.User
		idNumber sql.NullString
		status   string
	)
	err := row.Scan(&u.ID, &idNumber, &u.Name, &u.LastName, &u.Email, &u.DateOfBirth,
		&u.PasswordHash, &status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.IdentificationNumber = idNumber.String
	u.Status = model.UserStatus(status)
	return u, nil
}
