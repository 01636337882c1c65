package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// WebhookRepo persists standalone webhooks from before endpoints subsumed
// them. Addresses may still route through these rows.
type WebhookRepo struct{ db *sql.DB }

// NewWebhookRepo creates a Postgres-backed webhook repository.
func NewWebhookRepo(db *sql.DB) *WebhookRepo { return &WebhookRepo{db: db} }

// WebhookUpdate carries the optional fields a webhook update may set.
type WebhookUpdate struct {
	Name          *string
	URL           *string
	Description   *string
	IsActive      *bool
	Timeout       *int
	RetryAttempts *int
}

const webhookColumns = `id, user_id, name, url, secret, description, is_active,
	       timeout, retry_attempts, total_deliveries, successful_deliveries,
	       failed_deliveries, last_used_at, created_at, updated_at`

func scanWebhook(s rowScanner) (*domain.Webhook, error) {
	w := &domain.Webhook{}
	err := s.Scan(
		&w.ID, &w.UserID, &w.Name, &w.URL, &w.Secret, &w.Description, &w.IsActive,
		&w.Timeout, &w.RetryAttempts, &w.TotalDeliveries, &w.SuccessfulDeliveries,
		&w.FailedDeliveries, &w.LastUsedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WebhookRepo) Get(ctx context.Context, userID, id string) (*domain.Webhook, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	w, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

// GetByID resolves a webhook without owner scoping, for routing.
func (r *WebhookRepo) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE id = $1
	`, id)
	w, err := scanWebhook(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook by id: %w", err)
	}
	return w, nil
}

func (r *WebhookRepo) List(ctx context.Context, userID string, limit, offset int) ([]domain.Webhook, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhooks WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhooks: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, *w)
	}
	return out, total, nil
}

func (r *WebhookRepo) Create(ctx context.Context, w *domain.Webhook) (string, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhooks
			(id, user_id, name, url, secret, description, is_active, timeout,
			 retry_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, w.ID, w.UserID, w.Name, w.URL, w.Secret, w.Description, w.IsActive,
		w.Timeout, w.RetryAttempts)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create webhook: %w", err)
	}
	return w.ID, nil
}

func (r *WebhookRepo) Update(ctx context.Context, userID, id string, u WebhookUpdate) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.URL != nil {
		add("url", *u.URL)
	}
	if u.Description != nil {
		add("description", *u.Description)
	}
	if u.IsActive != nil {
		add("is_active", *u.IsActive)
	}
	if u.Timeout != nil {
		add("timeout", *u.Timeout)
	}
	if u.RetryAttempts != nil {
		add("retry_attempts", *u.RetryAttempts)
	}

	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE webhooks SET %s, updated_at = NOW() WHERE id = $%d AND user_id = $%d",
		joinComma(sets), idx, idx+1)
	args = append(args, id, userID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a webhook unless an email address still routes through it.
func (r *WebhookRepo) Delete(ctx context.Context, userID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_addresses WHERE webhook_id = $1`, id).Scan(&refs); err != nil {
		return fmt.Errorf("count webhook references: %w", err)
	}
	if refs > 0 {
		return domain.ErrDependencyBusy
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit webhook delete: %w", err)
	}
	return nil
}

// IncrementStats bumps the webhook delivery counters in one statement.
func (r *WebhookRepo) IncrementStats(ctx context.Context, id string, success bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET total_deliveries = total_deliveries + 1,
		    successful_deliveries = successful_deliveries + CASE WHEN $1 THEN 1 ELSE 0 END,
		    failed_deliveries = failed_deliveries + CASE WHEN $1 THEN 0 ELSE 1 END,
		    last_used_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
	`, success, id)
	if err != nil {
		return fmt.Errorf("increment webhook stats: %w", err)
	}
	return nil
}
