package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// EmailRepo persists the per-recipient inbound email rows.
type EmailRepo struct{ db *sql.DB }

// NewEmailRepo creates a Postgres-backed received email repository.
func NewEmailRepo(db *sql.DB) *EmailRepo { return &EmailRepo{db: db} }

// EmailFilter narrows inbound mail listings.
type EmailFilter struct {
	Status     string
	Recipient  string
	Domain     string
	IsRead     *bool
	IsArchived *bool
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

const emailColumns = `id, ses_event_id, user_id, recipient, message_id, subject,
	       from_text, status, preview, has_attachments, attachment_count,
	       is_read, read_at, is_archived, archived_at, received_at,
	       processed_at, created_at, updated_at`

func scanEmail(s rowScanner) (*domain.ReceivedEmail, error) {
	m := &domain.ReceivedEmail{}
	err := s.Scan(
		&m.ID, &m.SESEventID, &m.UserID, &m.Recipient, &m.MessageID, &m.Subject,
		&m.FromText, &m.Status, &m.Preview, &m.HasAttachments, &m.AttachmentCount,
		&m.IsRead, &m.ReadAt, &m.IsArchived, &m.ArchivedAt, &m.ReceivedAt,
		&m.ProcessedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *EmailRepo) Get(ctx context.Context, userID, id string) (*domain.ReceivedEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+emailColumns+`
		FROM received_emails
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	m, err := scanEmail(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email: %w", err)
	}
	return m, nil
}

func (r *EmailRepo) List(ctx context.Context, userID string, f EmailFilter) ([]domain.ReceivedEmail, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE user_id = $1"
	args := []interface{}{userID}
	idx := 2
	and := func(cond string, val interface{}) {
		where += fmt.Sprintf(" AND "+cond, idx)
		args = append(args, val)
		idx++
	}

	if f.Status != "" {
		and("status = $%d", f.Status)
	}
	if f.Recipient != "" {
		and("recipient = $%d", f.Recipient)
	}
	if f.Domain != "" {
		and("recipient LIKE $%d", "%@"+f.Domain)
	}
	if f.IsRead != nil {
		and("is_read = $%d", *f.IsRead)
	}
	if f.IsArchived != nil {
		and("is_archived = $%d", *f.IsArchived)
	}
	if f.Since != nil {
		and("received_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		and("received_at < $%d", *f.Until)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM received_emails"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count emails: %w", err)
	}

	q := "SELECT " + emailColumns + " FROM received_emails" + where +
		fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var out []domain.ReceivedEmail
	for rows.Next() {
		m, err := scanEmail(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan email: %w", err)
		}
		out = append(out, *m)
	}
	return out, total, nil
}

func (r *EmailRepo) Create(ctx context.Context, m *domain.ReceivedEmail) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	receivedAt := m.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO received_emails
			(id, ses_event_id, user_id, recipient, message_id, subject, from_text,
			 status, preview, has_attachments, attachment_count, received_at,
			 processed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
	`, m.ID, m.SESEventID, m.UserID, m.Recipient, m.MessageID, m.Subject, m.FromText,
		m.Status, m.Preview, m.HasAttachments, m.AttachmentCount, receivedAt,
		m.ProcessedAt)
	if err != nil {
		return "", fmt.Errorf("create email: %w", err)
	}
	return m.ID, nil
}

func (r *EmailRepo) MarkRead(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE received_emails SET is_read = TRUE, read_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark email read: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *EmailRepo) SetArchived(ctx context.Context, userID, id string, archived bool) error {
	var res sql.Result
	var err error
	if archived {
		res, err = r.db.ExecContext(ctx, `
			UPDATE received_emails SET is_archived = TRUE, archived_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND user_id = $2
		`, id, userID)
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE received_emails SET is_archived = FALSE, archived_at = NULL, updated_at = NOW()
			WHERE id = $1 AND user_id = $2
		`, id, userID)
	}
	if err != nil {
		return fmt.Errorf("set email archived: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetProcessed stamps the moment the routing pipeline finished with the row.
func (r *EmailRepo) SetProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE received_emails SET processed_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("set email processed: %w", err)
	}
	return nil
}

// ListByMessageIDs returns the user's inbound emails matching any of the
// given RFC 5322 message ids. Thread assembly walks these.
func (r *EmailRepo) ListByMessageIDs(ctx context.Context, userID string, messageIDs []string) ([]domain.ReceivedEmail, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+emailColumns+`
		FROM received_emails
		WHERE user_id = $1 AND message_id = ANY($2)
		ORDER BY received_at
	`, userID, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("list emails by message id: %w", err)
	}
	defer rows.Close()

	var out []domain.ReceivedEmail
	for rows.Next() {
		m, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		out = append(out, *m)
	}
	return out, nil
}
