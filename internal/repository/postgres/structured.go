package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// StructuredRepo persists the parsed MIME form of inbound emails.
type StructuredRepo struct{ db *sql.DB }

// NewStructuredRepo creates a Postgres-backed structured email repository.
func NewStructuredRepo(db *sql.DB) *StructuredRepo { return &StructuredRepo{db: db} }

// subjectNormalize strips stacked reply and forward prefixes in SQL so the
// thread fallback can match on the underlying subject.
const subjectNormalize = `LOWER(TRIM(regexp_replace(subject, '^\s*((re|fwd|fw|r|aw|wg)\s*:\s*)+', '', 'i')))`

const structuredColumns = `id, email_id, ses_event_id, user_id, message_id, subject, date,
	       from_data, to_data, cc_data, bcc_data, reply_to_data, in_reply_to,
	       references_data, text_body, html_body, raw_content, attachments,
	       headers, priority, parse_success, parse_error, has_attachments,
	       attachment_count, has_text_body, has_html_body, created_at, updated_at`

func scanStructured(s rowScanner) (*domain.StructuredEmail, error) {
	p := &domain.StructuredEmail{}
	var from, to, cc, bcc, replyTo, references, attachments, headers sql.NullString
	err := s.Scan(
		&p.ID, &p.EmailID, &p.SESEventID, &p.UserID, &p.MessageID, &p.Subject, &p.Date,
		&from, &to, &cc, &bcc, &replyTo, &p.InReplyTo,
		&references, &p.TextBody, &p.HTMLBody, &p.RawContent, &attachments,
		&headers, &p.Priority, &p.ParseSuccess, &p.ParseError, &p.HasAttachments,
		&p.AttachmentCount, &p.HasTextBody, &p.HasHTMLBody, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	decodeGroup := func(src sql.NullString, dst **domain.AddressGroup) error {
		if !src.Valid || src.String == "" {
			return nil
		}
		g := &domain.AddressGroup{}
		if err := decodeJSON(src, g); err != nil {
			return err
		}
		*dst = g
		return nil
	}
	if err := decodeGroup(from, &p.From); err != nil {
		return nil, err
	}
	if err := decodeGroup(to, &p.To); err != nil {
		return nil, err
	}
	if err := decodeGroup(cc, &p.Cc); err != nil {
		return nil, err
	}
	if err := decodeGroup(bcc, &p.Bcc); err != nil {
		return nil, err
	}
	if err := decodeGroup(replyTo, &p.ReplyTo); err != nil {
		return nil, err
	}
	if p.References, err = decodeStrings(references); err != nil {
		return nil, err
	}
	if err := decodeJSON(attachments, &p.Attachments); err != nil {
		return nil, err
	}
	if err := decodeJSON(headers, &p.Headers); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *StructuredRepo) Create(ctx context.Context, p *domain.StructuredEmail) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	from, err := encodeJSON(p.From)
	if err != nil {
		return "", err
	}
	to, err := encodeJSON(p.To)
	if err != nil {
		return "", err
	}
	cc, err := encodeJSON(p.Cc)
	if err != nil {
		return "", err
	}
	bcc, err := encodeJSON(p.Bcc)
	if err != nil {
		return "", err
	}
	replyTo, err := encodeJSON(p.ReplyTo)
	if err != nil {
		return "", err
	}
	references, err := encodeStrings(p.References)
	if err != nil {
		return "", err
	}
	attachments, err := encodeJSON(p.Attachments)
	if err != nil {
		return "", err
	}
	headers, err := encodeJSON(p.Headers)
	if err != nil {
		return "", err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO structured_emails
			(id, email_id, ses_event_id, user_id, message_id, subject, date,
			 from_data, to_data, cc_data, bcc_data, reply_to_data, in_reply_to,
			 references_data, text_body, html_body, raw_content, attachments,
			 headers, priority, parse_success, parse_error, has_attachments,
			 attachment_count, has_text_body, has_html_body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, NOW(), NOW())
	`, p.ID, p.EmailID, p.SESEventID, p.UserID, p.MessageID, p.Subject, p.Date,
		from, to, cc, bcc, replyTo, p.InReplyTo,
		references, p.TextBody, p.HTMLBody, p.RawContent, attachments,
		headers, p.Priority, p.ParseSuccess, p.ParseError, p.HasAttachments,
		p.AttachmentCount, p.HasTextBody, p.HasHTMLBody)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create structured email: %w", err)
	}
	return p.ID, nil
}

func (r *StructuredRepo) GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+structuredColumns+`
		FROM structured_emails
		WHERE email_id = $1
	`, emailID)
	p, err := scanStructured(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get structured email: %w", err)
	}
	return p, nil
}

// FindByMessageIDs returns the user's parsed emails whose message id matches
// any of the given tokens.
func (r *StructuredRepo) FindByMessageIDs(ctx context.Context, userID string, tokens []string) ([]domain.StructuredEmail, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+structuredColumns+`
		FROM structured_emails
		WHERE user_id = $1 AND message_id = ANY($2)
	`, userID, pq.Array(tokens))
}

// FindLinkedTo returns parsed emails that reply to or reference any of the
// given message id tokens.
func (r *StructuredRepo) FindLinkedTo(ctx context.Context, userID string, tokens []string) ([]domain.StructuredEmail, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+structuredColumns+`
		FROM structured_emails
		WHERE user_id = $1
		  AND (in_reply_to = ANY($2)
		       OR EXISTS (
		           SELECT 1 FROM unnest($2::text[]) AS t(token)
		           WHERE references_data IS NOT NULL
		             AND POSITION('"' || t.token || '"' IN references_data) > 0
		       ))
	`, userID, pq.Array(tokens))
}

// FindBySubject returns parsed emails whose subject, stripped of reply and
// forward prefixes, equals the given normalized subject.
func (r *StructuredRepo) FindBySubject(ctx context.Context, userID, normalized string) ([]domain.StructuredEmail, error) {
	if normalized == "" {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+structuredColumns+`
		FROM structured_emails
		WHERE user_id = $1 AND subject IS NOT NULL AND `+subjectNormalize+` = $2
	`, userID, normalized)
}

func (r *StructuredRepo) query(ctx context.Context, q string, args ...interface{}) ([]domain.StructuredEmail, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query structured emails: %w", err)
	}
	defer rows.Close()

	var out []domain.StructuredEmail
	for rows.Next() {
		p, err := scanStructured(rows)
		if err != nil {
			return nil, fmt.Errorf("scan structured email: %w", err)
		}
		out = append(out, *p)
	}
	return out, nil
}
