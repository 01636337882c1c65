package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// DomainRepo persists email domains and their catch-all configuration.
type DomainRepo struct{ db *sql.DB }

// NewDomainRepo creates a Postgres-backed domain repository.
func NewDomainRepo(db *sql.DB) *DomainRepo { return &DomainRepo{db: db} }

// DomainFilter narrows domain listings.
type DomainFilter struct {
	Status     string
	CanReceive *bool
	Limit      int
	Offset     int
}

// DomainUpdate carries the optional fields a domain update may set.
type DomainUpdate struct {
	Status            *domain.DomainStatus
	VerificationToken *string
	DKIMTokens        []string
	CanReceiveEmails  *bool
	HasMXRecords      *bool
	DomainProvider    *string
	LastDNSCheck      *time.Time
	LastSESCheck      *time.Time
}

const domainColumns = `id, user_id, domain, status, verification_token, dkim_tokens,
	       can_receive_emails, has_mx_records, domain_provider, last_dns_check,
	       last_ses_check, is_catch_all_enabled, catch_all_endpoint_id,
	       catch_all_rule_name, created_at, updated_at`

func scanDomain(s rowScanner) (*domain.EmailDomain, error) {
	d := &domain.EmailDomain{}
	var tokens sql.NullString
	err := s.Scan(
		&d.ID, &d.UserID, &d.Domain, &d.Status, &d.VerificationToken, &tokens,
		&d.CanReceiveEmails, &d.HasMXRecords, &d.DomainProvider, &d.LastDNSCheck,
		&d.LastSESCheck, &d.IsCatchAllEnabled, &d.CatchAllEndpointID,
		&d.CatchAllRuleName, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.DKIMTokens, err = decodeStrings(tokens)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DomainRepo) Get(ctx context.Context, userID, id string) (*domain.EmailDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+domainColumns+`
		FROM email_domains
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	d, err := scanDomain(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

// GetByName resolves a domain by its name, regardless of owner. Used when
// mapping inbound recipients back to the owning account.
func (r *DomainRepo) GetByName(ctx context.Context, name string) (*domain.EmailDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+domainColumns+`
		FROM email_domains
		WHERE domain = $1
	`, name)
	d, err := scanDomain(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain by name: %w", err)
	}
	return d, nil
}

func (r *DomainRepo) List(ctx context.Context, userID string, f DomainFilter) ([]domain.EmailDomain, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE user_id = $1"
	args := []interface{}{userID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.CanReceive != nil {
		where += fmt.Sprintf(" AND can_receive_emails = $%d", idx)
		args = append(args, *f.CanReceive)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM email_domains"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count domains: %w", err)
	}

	q := "SELECT " + domainColumns + " FROM email_domains" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, total, nil
}

func (r *DomainRepo) Create(ctx context.Context, d *domain.EmailDomain) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	tokens, err := encodeStrings(d.DKIMTokens)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO email_domains
			(id, user_id, domain, status, verification_token, dkim_tokens,
			 can_receive_emails, has_mx_records, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, d.ID, d.UserID, d.Domain, d.Status, d.VerificationToken, tokens,
		d.CanReceiveEmails, d.HasMXRecords)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create domain: %w", err)
	}
	return d.ID, nil
}

func (r *DomainRepo) Update(ctx context.Context, userID, id string, u DomainUpdate) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.VerificationToken != nil {
		add("verification_token", *u.VerificationToken)
	}
	if u.DKIMTokens != nil {
		tokens, err := encodeStrings(u.DKIMTokens)
		if err != nil {
			return err
		}
		add("dkim_tokens", tokens)
	}
	if u.CanReceiveEmails != nil {
		add("can_receive_emails", *u.CanReceiveEmails)
	}
	if u.HasMXRecords != nil {
		add("has_mx_records", *u.HasMXRecords)
	}
	if u.DomainProvider != nil {
		add("domain_provider", *u.DomainProvider)
	}
	if u.LastDNSCheck != nil {
		add("last_dns_check", *u.LastDNSCheck)
	}
	if u.LastSESCheck != nil {
		add("last_ses_check", *u.LastSESCheck)
	}

	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE email_domains SET %s, updated_at = NOW() WHERE id = $%d AND user_id = $%d",
		joinComma(sets), idx, idx+1)
	args = append(args, id, userID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update domain: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCatchAll points the domain's catch-all at an endpoint and records the
// receipt rule backing it.
func (r *DomainRepo) SetCatchAll(ctx context.Context, userID, id, endpointID string, ruleName *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_domains
		SET is_catch_all_enabled = TRUE, catch_all_endpoint_id = $1,
		    catch_all_rule_name = $2, updated_at = NOW()
		WHERE id = $3 AND user_id = $4
	`, endpointID, ruleName, id, userID)
	if err != nil {
		return fmt.Errorf("set catch-all: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DomainRepo) ClearCatchAll(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_domains
		SET is_catch_all_enabled = FALSE, catch_all_endpoint_id = NULL,
		    catch_all_rule_name = NULL, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("clear catch-all: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DomainRepo) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_domains WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountByStatus returns the user's domain counts grouped by status.
func (r *DomainRepo) CountByStatus(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM email_domains WHERE user_id = $1 GROUP BY status
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("count domains by status: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, nil
}

func (r *DomainRepo) CountCatchAllEnabled(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_domains WHERE user_id = $1 AND is_catch_all_enabled = TRUE
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count catch-all domains: %w", err)
	}
	return n, nil
}
