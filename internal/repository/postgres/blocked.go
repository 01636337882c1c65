package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// BlockedRepo persists the sender blocklist.
type BlockedRepo struct{ db *sql.DB }

// NewBlockedRepo creates a Postgres-backed blocklist repository.
func NewBlockedRepo(db *sql.DB) *BlockedRepo { return &BlockedRepo{db: db} }

// IsBlocked reports whether a sender address is on the blocklist.
func (r *BlockedRepo) IsBlocked(ctx context.Context, address string) (bool, error) {
	var blocked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM blocked_emails WHERE email_address = $1)
	`, address).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check blocklist: %w", err)
	}
	return blocked, nil
}

func (r *BlockedRepo) Add(ctx context.Context, b *domain.BlockedEmail) (string, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocked_emails (id, email_address, reason, created_at)
		VALUES ($1, $2, $3, NOW())
	`, b.ID, b.EmailAddress, b.Reason)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("add blocked email: %w", err)
	}
	return b.ID, nil
}

func (r *BlockedRepo) Remove(ctx context.Context, address string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM blocked_emails WHERE email_address = $1
	`, address)
	if err != nil {
		return fmt.Errorf("remove blocked email: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *BlockedRepo) List(ctx context.Context, limit, offset int) ([]domain.BlockedEmail, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_emails`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count blocked emails: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email_address, reason, created_at
		FROM blocked_emails
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list blocked emails: %w", err)
	}
	defer rows.Close()

	var out []domain.BlockedEmail
	for rows.Next() {
		var b domain.BlockedEmail
		if err := rows.Scan(&b.ID, &b.EmailAddress, &b.Reason, &b.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan blocked email: %w", err)
		}
		out = append(out, b)
	}
	return out, total, nil
}
