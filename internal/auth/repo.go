package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// KioskRepository persists kiosk registrations and refresh tokens.
type KioskRepository struct {
	db *sql.DB
}

// NewKioskRepository creates a repo.
func NewKioskRepository(db *sql.DB) *KioskRepository {
	return &KioskRepository{db: db}
}

// UpsertKiosk ensures a kiosk record exists.
func (r *KioskRepository) UpsertKiosk(ctx context.Context, kioskID string) error {
	if kioskID == "" {
		return errors.New("kiosk id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kiosks (kiosk_id)
		VALUES ($1)
		ON CONFLICT (kiosk_id) DO NOTHING
	`, kioskID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *KioskRepository) SaveRefreshToken(ctx context.Context, kioskID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (kiosk_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, kioskID, token, expiresAt)
	return err
}

// RefreshTokenActive reports whether a stored refresh token is still usable:
// present, not revoked, not expired.
func (r *KioskRepository) RefreshTokenActive(ctx context.Context, token string) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE token = $1 AND revoked = FALSE AND expires_at > NOW()
		)
	`, token).Scan(&active)
	return active, err
}

// RevokeRefreshToken marks a token revoked.
func (r *KioskRepository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
