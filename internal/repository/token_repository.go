package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TokenRepo records consumed refresh tokens in the revoked_tokens table.
// It backs refresh rotation when Redis is not configured.
type TokenRepo struct{ DB *sql.DB }

func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{DB: db} }

// Consume marks tokenID as used. It reports false when the id was already
// recorded, which the primary key on token_id makes atomic.
func (r *TokenRepo) Consume(ctx context.Context, tokenID, userID string, expiresAt time.Time) (bool, error) {
	_, err := r.DB.ExecContext(ctx,
		"INSERT INTO revoked_tokens (token_id, user_id, expires_at, revoked_at) VALUES (?,?,?,?)",
		tokenID, userID, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return true, nil
}

// PurgeExpired deletes rows whose token could no longer verify anyway.
func (r *TokenRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM revoked_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}
