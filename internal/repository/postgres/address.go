package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// AddressRepo persists the receiving email addresses and their routing
// bindings.
type AddressRepo struct{ db *sql.DB }

// NewAddressRepo creates a Postgres-backed email address repository.
func NewAddressRepo(db *sql.DB) *AddressRepo { return &AddressRepo{db: db} }

// AddressFilter narrows address listings.
type AddressFilter struct {
	DomainID string
	IsActive *bool
	Limit    int
	Offset   int
}

const addressColumns = `id, address, domain_id, endpoint_id, webhook_id, is_active,
	       is_receipt_rule_configured, receipt_rule_name, user_id, created_at, updated_at`

func scanAddress(s rowScanner) (*domain.EmailAddress, error) {
	a := &domain.EmailAddress{}
	err := s.Scan(
		&a.ID, &a.Address, &a.DomainID, &a.EndpointID, &a.WebhookID, &a.IsActive,
		&a.IsReceiptRuleConfigured, &a.ReceiptRuleName, &a.UserID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AddressRepo) Get(ctx context.Context, userID, id string) (*domain.EmailAddress, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+addressColumns+`
		FROM email_addresses
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	a, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email address: %w", err)
	}
	return a, nil
}

// GetByAddress resolves an address by its literal form, regardless of owner.
// Addresses are globally unique, so this is the inbound routing lookup.
func (r *AddressRepo) GetByAddress(ctx context.Context, address string) (*domain.EmailAddress, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+addressColumns+`
		FROM email_addresses
		WHERE address = $1
	`, address)
	a, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get address by value: %w", err)
	}
	return a, nil
}

func (r *AddressRepo) List(ctx context.Context, userID string, f AddressFilter) ([]domain.EmailAddress, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE user_id = $1"
	args := []interface{}{userID}
	idx := 2
	if f.DomainID != "" {
		where += fmt.Sprintf(" AND domain_id = $%d", idx)
		args = append(args, f.DomainID)
		idx++
	}
	if f.IsActive != nil {
		where += fmt.Sprintf(" AND is_active = $%d", idx)
		args = append(args, *f.IsActive)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM email_addresses"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count addresses: %w", err)
	}

	q := "SELECT " + addressColumns + " FROM email_addresses" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan address: %w", err)
		}
		out = append(out, *a)
	}
	return out, total, nil
}

// ListByDomain returns every address on a domain. The receipt rule manager
// uses this to rebuild individual rules when catch-all is turned off.
func (r *AddressRepo) ListByDomain(ctx context.Context, domainID string) ([]domain.EmailAddress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+addressColumns+`
		FROM email_addresses
		WHERE domain_id = $1
		ORDER BY address
	`, domainID)
	if err != nil {
		return nil, fmt.Errorf("list addresses by domain: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *AddressRepo) Create(ctx context.Context, a *domain.EmailAddress) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_addresses
			(id, address, domain_id, endpoint_id, webhook_id, is_active, user_id,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, a.ID, a.Address, a.DomainID, a.EndpointID, a.WebhookID, a.IsActive, a.UserID)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create email address: %w", err)
	}
	return a.ID, nil
}

// UpdateRouting rebinds the address to an endpoint or a legacy webhook.
// At most one of endpointID and webhookID may be non-nil.
func (r *AddressRepo) UpdateRouting(ctx context.Context, userID, id string, endpointID, webhookID *string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_addresses
		SET endpoint_id = $1, webhook_id = $2, updated_at = NOW()
		WHERE id = $3 AND user_id = $4
	`, endpointID, webhookID, id, userID)
	if err != nil {
		return fmt.Errorf("update address routing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *AddressRepo) SetActive(ctx context.Context, userID, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_addresses SET is_active = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3
	`, active, id, userID)
	if err != nil {
		return fmt.Errorf("set address active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetReceiptRule records the provider-side rule backing this address.
func (r *AddressRepo) SetReceiptRule(ctx context.Context, id string, configured bool, ruleName *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE email_addresses
		SET is_receipt_rule_configured = $1, receipt_rule_name = $2, updated_at = NOW()
		WHERE id = $3
	`, configured, ruleName, id)
	if err != nil {
		return fmt.Errorf("set receipt rule: %w", err)
	}
	return nil
}

func (r *AddressRepo) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_addresses WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete email address: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountByDomain returns total and active address counts for a domain.
func (r *AddressRepo) CountByDomain(ctx context.Context, domainID string) (total, active int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active)
		FROM email_addresses
		WHERE domain_id = $1
	`, domainID).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("count addresses by domain: %w", err)
	}
	return total, active, nil
}
