package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// ScheduledRepo persists deferred sends and hands due rows to the scheduler.
type ScheduledRepo struct {
	db          *sql.DB
	maxAttempts int
}

// NewScheduledRepo creates a Postgres-backed scheduled email repository.
func NewScheduledRepo(db *sql.DB) *ScheduledRepo {
	return &ScheduledRepo{db: db, maxAttempts: 3}
}

// SetMaxAttempts overrides the per-row retry budget for new schedules.
func (r *ScheduledRepo) SetMaxAttempts(n int) {
	if n > 0 {
		r.maxAttempts = n
	}
}

const scheduledColumns = `id, user_id, from_text, from_address, from_domain, to_data,
	       cc_data, bcc_data, reply_to_data, subject, text_body, html_body,
	       headers, attachments, tags, scheduled_at, timezone, status, attempts,
	       max_attempts, next_retry_at, last_error, sent_email_id,
	       idempotency_key, sent_at, created_at, updated_at`

func scanScheduled(s rowScanner) (*domain.ScheduledEmail, error) {
	m := &domain.ScheduledEmail{}
	var to, cc, bcc, replyTo, headers, attachments, tags sql.NullString
	err := s.Scan(
		&m.ID, &m.UserID, &m.FromText, &m.FromAddress, &m.FromDomain, &to,
		&cc, &bcc, &replyTo, &m.Subject, &m.TextBody, &m.HTMLBody,
		&headers, &attachments, &tags, &m.ScheduledAt, &m.Timezone, &m.Status, &m.Attempts,
		&m.MaxAttempts, &m.NextRetryAt, &m.LastError, &m.SentEmailID,
		&m.IdempotencyKey, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if m.To, err = decodeStrings(to); err != nil {
		return nil, err
	}
	if m.Cc, err = decodeStrings(cc); err != nil {
		return nil, err
	}
	if m.Bcc, err = decodeStrings(bcc); err != nil {
		return nil, err
	}
	if m.ReplyTo, err = decodeStrings(replyTo); err != nil {
		return nil, err
	}
	if err := decodeJSON(headers, &m.Headers); err != nil {
		return nil, err
	}
	if err := decodeJSON(attachments, &m.Attachments); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &m.Tags); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *ScheduledRepo) Create(ctx context.Context, m *domain.ScheduledEmail) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = r.maxAttempts
	}

	to, err := encodeStrings(m.To)
	if err != nil {
		return "", err
	}
	cc, err := encodeStrings(m.Cc)
	if err != nil {
		return "", err
	}
	bcc, err := encodeStrings(m.Bcc)
	if err != nil {
		return "", err
	}
	replyTo, err := encodeStrings(m.ReplyTo)
	if err != nil {
		return "", err
	}
	headers, err := encodeJSON(m.Headers)
	if err != nil {
		return "", err
	}
	attachments, err := encodeJSON(m.Attachments)
	if err != nil {
		return "", err
	}
	tags, err := encodeJSON(m.Tags)
	if err != nil {
		return "", err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_emails
			(id, user_id, from_text, from_address, from_domain, to_data, cc_data,
			 bcc_data, reply_to_data, subject, text_body, html_body, headers,
			 attachments, tags, scheduled_at, timezone, status, max_attempts,
			 idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, NOW(), NOW())
	`, m.ID, m.UserID, m.FromText, m.FromAddress, m.FromDomain, to, cc,
		bcc, replyTo, m.Subject, m.TextBody, m.HTMLBody, headers,
		attachments, tags, m.ScheduledAt, m.Timezone, m.Status, m.MaxAttempts,
		m.IdempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create scheduled email: %w", err)
	}
	return m.ID, nil
}

func (r *ScheduledRepo) Get(ctx context.Context, userID, id string) (*domain.ScheduledEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_emails
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	m, err := scanScheduled(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled email: %w", err)
	}
	return m, nil
}

// GetByIdempotencyKey returns the schedule previously recorded under the key.
func (r *ScheduledRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.ScheduledEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_emails
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	m, err := scanScheduled(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled email by idempotency key: %w", err)
	}
	return m, nil
}

func (r *ScheduledRepo) List(ctx context.Context, userID, status string, limit, offset int) ([]domain.ScheduledEmail, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE user_id = $1"
	args := []interface{}{userID}
	idx := 2
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, status)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scheduled_emails"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count scheduled emails: %w", err)
	}

	q := "SELECT " + scheduledColumns + " FROM scheduled_emails" + where +
		fmt.Sprintf(" ORDER BY scheduled_at LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list scheduled emails: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledEmail
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan scheduled email: %w", err)
		}
		out = append(out, *m)
	}
	return out, total, nil
}

// Cancel stops a pending schedule. Rows already claimed or finished stay put.
func (r *ScheduledRepo) Cancel(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'scheduled'
	`, id, userID)
	if err != nil {
		return fmt.Errorf("cancel scheduled email: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM scheduled_emails WHERE id = $1 AND user_id = $2)
		`, id, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check scheduled email: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

// ClaimDue atomically moves due rows to processing and returns them. SKIP
// LOCKED keeps concurrent scheduler instances off each other's claims.
func (r *ScheduledRepo) ClaimDue(ctx context.Context, limit int) ([]domain.ScheduledEmail, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM scheduled_emails
			WHERE status = 'scheduled'
			  AND scheduled_at <= NOW()
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY scheduled_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduledColumns+`
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due scheduled emails: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledEmail
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled email: %w", err)
		}
		out = append(out, *m)
	}
	return out, nil
}

// MarkSent finalizes a processed schedule and links the resulting send.
func (r *ScheduledRepo) MarkSent(ctx context.Context, id, sentEmailID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'sent', sent_email_id = $1, sent_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, sentEmailID, id)
	if err != nil {
		return fmt.Errorf("mark scheduled sent: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. With retries left the row goes back
// to scheduled with a retry time; otherwise it is failed for good.
func (r *ScheduledRepo) MarkFailed(ctx context.Context, id, errMsg string, nextRetry *time.Time) error {
	var err error
	if nextRetry != nil {
		_, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_emails
			SET status = 'scheduled', last_error = $1, next_retry_at = $2, updated_at = NOW()
			WHERE id = $3 AND attempts < max_attempts
		`, errMsg, *nextRetry, id)
		if err == nil {
			_, err = r.db.ExecContext(ctx, `
				UPDATE scheduled_emails
				SET status = 'failed', last_error = $1, updated_at = NOW()
				WHERE id = $2 AND status = 'processing'
			`, errMsg, id)
		}
	} else {
		_, err = r.db.ExecContext(ctx, `
			UPDATE scheduled_emails
			SET status = 'failed', last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark scheduled failed: %w", err)
	}
	return nil
}

// ReleaseStale requeues processing rows whose worker died mid-dispatch.
// The attempt counter is rolled back so the reclaim replays the same
// idempotency key; whatever the dead worker already dispatched is then
// found instead of sent again.
func (r *ScheduledRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_emails
		SET status = 'scheduled', attempts = attempts - 1, updated_at = NOW()
		WHERE status = 'processing' AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("release stale scheduled emails: %w", err)
	}
	return res.RowsAffected()
}
