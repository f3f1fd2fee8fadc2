package store

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/flightcheckhq/flightcheck/internal/model"
)

const apiKeyPrefix = "fck_"

type APIKeyStore struct {
	db *sql.DB
}

func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

func scanAPIKey(scanner interface{ Scan(...any) error }) (*model.APIKey, error) {
	var k model.APIKey
	var lastUsed, expires sql.NullTime
	err := scanner.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.SecretHash, &k.Active, &lastUsed, &expires, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	if expires.Valid {
		k.ExpiresAt = &expires.Time
	}
	return &k, nil
}

const apiKeyCols = `id, user_id, name, prefix, secret_hash, active, last_used_at, expires_at, created_at`

// HashSecret returns the hex SHA-256 of an API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Create generates a new API key. The plaintext secret is returned exactly
// once; only its hash is persisted.
func (s *APIKeyStore) Create(userID int64, name string) (*model.APIKey, string, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}
	secret := apiKeyPrefix + hex.EncodeToString(secretBytes)
	prefix := secret[:len(apiKeyPrefix)+8]

	result, err := s.db.Exec(
		`INSERT INTO api_keys (user_id, name, prefix, secret_hash) VALUES (?, ?, ?, ?)`,
		userID, name, prefix, HashSecret(secret),
	)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, "", fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err != nil {
		return nil, "", fmt.Errorf("get api key: %w", err)
	}
	return k, secret, nil
}

// GetBySecret resolves a presented secret to its active, unexpired key.
func (s *APIKeyStore) GetBySecret(secret string) (*model.APIKey, error) {
	row := s.db.QueryRow(
		`SELECT `+apiKeyCols+` FROM api_keys
		 WHERE secret_hash = ? AND active = 1 AND (expires_at IS NULL OR expires_at > datetime('now'))`,
		HashSecret(secret),
	)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by secret: %w", err)
	}
	return k, nil
}

func (s *APIKeyStore) ListByUser(userID int64) ([]model.APIKey, error) {
	rows, err := s.db.Query(
		`SELECT `+apiKeyCols+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *APIKeyStore) GetByID(id int64) (*model.APIKey, error) {
	row := s.db.QueryRow(`SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *APIKeyStore) Deactivate(id int64) error {
	_, err := s.db.Exec(`UPDATE api_keys SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	return nil
}

func (s *APIKeyStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// TouchLastUsed records key usage. Best effort.
func (s *APIKeyStore) TouchLastUsed(id int64) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
