package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

const resetTTL = 30 * time.Minute

type PasswordResetStore struct {
	db *sql.DB
}

func NewPasswordResetStore(db *sql.DB) *PasswordResetStore {
	return &PasswordResetStore{db: db}
}

func scanPasswordReset(scanner interface{ Scan(...any) error }) (*model.PasswordReset, error) {
	var pr model.PasswordReset
	var usedAt sql.NullTime
	err := scanner.Scan(&pr.ID, &pr.Token, &pr.UserID, &pr.ExpiresAt, &usedAt, &pr.CreatedAt)
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		pr.UsedAt = &usedAt.Time
	}
	return &pr, nil
}

const passwordResetCols = `id, token, user_id, expires_at, used_at, created_at`

// Create issues a new reset token with a 30-minute expiry. Any previous
// pending tokens for the same user are invalidated first.
func (s *PasswordResetStore) Create(userID int64) (*model.PasswordReset, error) {
	_, err := s.db.Exec(
		`UPDATE password_resets SET used_at = datetime('now') WHERE user_id = ? AND used_at IS NULL AND expires_at > datetime('now')`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("invalidate previous tokens: %w", err)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)
	expiresAt := time.Now().UTC().Add(resetTTL)

	result, err := s.db.Exec(
		`INSERT INTO password_resets (token, user_id, expires_at) VALUES (?, ?, ?)`,
		token, userID, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert password reset: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+passwordResetCols+` FROM password_resets WHERE id = ?`, id)
	return scanPasswordReset(row)
}

// GetByToken returns an unexpired, unused reset token, or nil.
func (s *PasswordResetStore) GetByToken(token string) (*model.PasswordReset, error) {
	row := s.db.QueryRow(
		`SELECT `+passwordResetCols+` FROM password_resets WHERE token = ? AND used_at IS NULL AND expires_at > datetime('now')`,
		token,
	)
	pr, err := scanPasswordReset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get password reset by token: %w", err)
	}
	return pr, nil
}

// MarkUsed consumes a reset token so it cannot be replayed.
func (s *PasswordResetStore) MarkUsed(id int64) error {
	_, err := s.db.Exec(
		`UPDATE password_resets SET used_at = datetime('now') WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// DeleteExpired removes expired and used tokens.
func (s *PasswordResetStore) DeleteExpired() (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM password_resets WHERE expires_at <= datetime('now') OR used_at IS NOT NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired password resets: %w", err)
	}
	return result.RowsAffected()
}
