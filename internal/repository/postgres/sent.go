package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// SentRepo persists outbound sends and replies.
type SentRepo struct{ db *sql.DB }

// NewSentRepo creates a Postgres-backed sent email repository.
func NewSentRepo(db *sql.DB) *SentRepo { return &SentRepo{db: db} }

const sentColumns = `id, user_id, from_text, from_address, from_domain, to_data,
	       cc_data, bcc_data, reply_to_data, subject, text_body, html_body,
	       headers, attachments, tags, status, message_id, provider_message_id,
	       failure_reason, idempotency_key, in_reply_to, references_data,
	       replied_to_email_id, sent_at, created_at, updated_at`

func scanSent(s rowScanner) (*domain.SentEmail, error) {
	m := &domain.SentEmail{}
	var to, cc, bcc, replyTo, headers, attachments, tags, references sql.NullString
	err := s.Scan(
		&m.ID, &m.UserID, &m.FromText, &m.FromAddress, &m.FromDomain, &to,
		&cc, &bcc, &replyTo, &m.Subject, &m.TextBody, &m.HTMLBody,
		&headers, &attachments, &tags, &m.Status, &m.MessageID, &m.ProviderMessageID,
		&m.FailureReason, &m.IdempotencyKey, &m.InReplyTo, &references,
		&m.RepliedToEmailID, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
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
	if m.References, err = decodeStrings(references); err != nil {
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

func (r *SentRepo) Create(ctx context.Context, m *domain.SentEmail) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
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
	references, err := encodeStrings(m.References)
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
		INSERT INTO sent_emails
			(id, user_id, from_text, from_address, from_domain, to_data, cc_data,
			 bcc_data, reply_to_data, subject, text_body, html_body, headers,
			 attachments, tags, status, message_id, idempotency_key, in_reply_to,
			 references_data, replied_to_email_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, NOW(), NOW())
	`, m.ID, m.UserID, m.FromText, m.FromAddress, m.FromDomain, to, cc,
		bcc, replyTo, m.Subject, m.TextBody, m.HTMLBody, headers,
		attachments, tags, m.Status, m.MessageID, m.IdempotencyKey, m.InReplyTo,
		references, m.RepliedToEmailID)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create sent email: %w", err)
	}
	return m.ID, nil
}

func (r *SentRepo) Get(ctx context.Context, userID, id string) (*domain.SentEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sentColumns+`
		FROM sent_emails
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	m, err := scanSent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sent email: %w", err)
	}
	return m, nil
}

// GetByIdempotencyKey returns the send previously recorded under the key.
func (r *SentRepo) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.SentEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sentColumns+`
		FROM sent_emails
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	m, err := scanSent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sent email by idempotency key: %w", err)
	}
	return m, nil
}

func (r *SentRepo) MarkSent(ctx context.Context, id, providerMessageID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'sent', provider_message_id = $1, sent_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SentRepo) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sent_emails
		SET status = 'failed', failure_reason = $1, updated_at = NOW()
		WHERE id = $2
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SentRepo) List(ctx context.Context, userID string, limit, offset int) ([]domain.SentEmail, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sent_emails WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sent emails: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sentColumns+`
		FROM sent_emails
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sent emails: %w", err)
	}
	defer rows.Close()

	var out []domain.SentEmail
	for rows.Next() {
		m, err := scanSent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan sent email: %w", err)
		}
		out = append(out, *m)
	}
	return out, total, nil
}

// FindByMessageIDs returns the user's sends whose message id matches any of
// the given tokens.
func (r *SentRepo) FindByMessageIDs(ctx context.Context, userID string, tokens []string) ([]domain.SentEmail, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+sentColumns+`
		FROM sent_emails
		WHERE user_id = $1 AND message_id = ANY($2)
	`, userID, pq.Array(tokens))
}

// FindLinkedTo returns sends that reply to or reference any of the tokens.
func (r *SentRepo) FindLinkedTo(ctx context.Context, userID string, tokens []string) ([]domain.SentEmail, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+sentColumns+`
		FROM sent_emails
		WHERE user_id = $1
		  AND (in_reply_to = ANY($2)
		       OR EXISTS (
		           SELECT 1 FROM unnest($2::text[]) AS t(token)
		           WHERE references_data IS NOT NULL
		             AND POSITION('"' || t.token || '"' IN references_data) > 0
		       ))
	`, userID, pq.Array(tokens))
}

// FindBySubject returns sends whose subject, stripped of reply and forward
// prefixes, equals the given normalized subject.
func (r *SentRepo) FindBySubject(ctx context.Context, userID, normalized string) ([]domain.SentEmail, error) {
	if normalized == "" {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+sentColumns+`
		FROM sent_emails
		WHERE user_id = $1 AND `+subjectNormalize+` = $2
	`, userID, normalized)
}

func (r *SentRepo) query(ctx context.Context, q string, args ...interface{}) ([]domain.SentEmail, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sent emails: %w", err)
	}
	defer rows.Close()

	var out []domain.SentEmail
	for rows.Next() {
		m, err := scanSent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sent email: %w", err)
		}
		out = append(out, *m)
	}
	return out, nil
}
