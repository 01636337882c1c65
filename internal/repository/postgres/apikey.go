package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// APIKeyRepo reads and maintains API keys used for request authentication.
type APIKeyRepo struct{ db *sql.DB }

// NewAPIKeyRepo creates a Postgres-backed API key repository.
func NewAPIKeyRepo(db *sql.DB) *APIKeyRepo { return &APIKeyRepo{db: db} }

// GetByHash looks up a key by the SHA-256 hash of the presented secret.
func (r *APIKeyRepo) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	k := &domain.APIKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, key_hash, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1
	`, keyHash).Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.LastUsedAt, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (r *APIKeyRepo) Create(ctx context.Context, k *domain.APIKey) (string, error) {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, k.ID, k.UserID, k.Name, k.KeyHash)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create api key: %w", err)
	}
	return k.ID, nil
}

// TouchLastUsed records key activity. Failures are not fatal to the request.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
