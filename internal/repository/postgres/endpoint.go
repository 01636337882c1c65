package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// EndpointRepo persists routing endpoints, their group membership, and the
// delivery counters kept on the endpoint row.
type EndpointRepo struct{ db *sql.DB }

// NewEndpointRepo creates a Postgres-backed endpoint repository.
func NewEndpointRepo(db *sql.DB) *EndpointRepo { return &EndpointRepo{db: db} }

// EndpointFilter narrows endpoint listings.
type EndpointFilter struct {
	Type   string
	Active *bool
	Limit  int
	Offset int
}

// EndpointUpdate carries the optional fields an endpoint update may set.
// GroupEmails, when non-nil, replaces the email_group membership.
type EndpointUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
	Config      *string
	GroupEmails []string
}

// EndpointCleanup reports what cascaded when an endpoint was deleted.
type EndpointCleanup struct {
	GroupEmailsDeleted int
	DeliveriesDeleted  int
}

const endpointColumns = `id, user_id, name, type, description, config, is_active,
	       total_deliveries, successful_deliveries, failed_deliveries,
	       last_used_at, created_at, updated_at`

func scanEndpoint(s rowScanner) (*domain.Endpoint, error) {
	e := &domain.Endpoint{}
	err := s.Scan(
		&e.ID, &e.UserID, &e.Name, &e.Type, &e.Description, &e.Config, &e.IsActive,
		&e.TotalDeliveries, &e.SuccessfulDeliveries, &e.FailedDeliveries,
		&e.LastUsedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *EndpointRepo) Get(ctx context.Context, userID, id string) (*domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM endpoints
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return e, nil
}

// GetByID resolves an endpoint without owner scoping. Routing uses this to
// follow address and catch-all bindings.
func (r *EndpointRepo) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM endpoints
		WHERE id = $1
	`, id)
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint by id: %w", err)
	}
	return e, nil
}

func (r *EndpointRepo) List(ctx context.Context, userID string, f EndpointFilter) ([]domain.Endpoint, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE user_id = $1"
	args := []interface{}{userID}
	idx := 2
	if f.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, f.Type)
		idx++
	}
	if f.Active != nil {
		where += fmt.Sprintf(" AND is_active = $%d", idx)
		args = append(args, *f.Active)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM endpoints"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count endpoints: %w", err)
	}

	q := "SELECT " + endpointColumns + " FROM endpoints" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, nil
}

// Create inserts the endpoint and, for email groups, its member rows.
func (r *EndpointRepo) Create(ctx context.Context, e *domain.Endpoint, groupEmails []string) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO endpoints
			(id, user_id, name, type, description, config, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, e.ID, e.UserID, e.Name, e.Type, e.Description, e.Config, e.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return "", domain.ErrConflict
		}
		return "", fmt.Errorf("create endpoint: %w", err)
	}

	if err := replaceGroupMembers(ctx, tx, e.ID, groupEmails); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit endpoint: %w", err)
	}
	return e.ID, nil
}

func (r *EndpointRepo) Update(ctx context.Context, userID, id string, u EndpointUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

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
	if u.Description != nil {
		add("description", *u.Description)
	}
	if u.IsActive != nil {
		add("is_active", *u.IsActive)
	}
	if u.Config != nil {
		add("config", *u.Config)
	}

	if len(sets) > 0 {
		q := fmt.Sprintf("UPDATE endpoints SET %s, updated_at = NOW() WHERE id = $%d AND user_id = $%d",
			joinComma(sets), idx, idx+1)
		args = append(args, id, userID)

		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrConflict
			}
			return fmt.Errorf("update endpoint: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return domain.ErrNotFound
		}
	}

	if u.GroupEmails != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM email_group_members WHERE endpoint_id = $1`, id); err != nil {
			return fmt.Errorf("clear group members: %w", err)
		}
		if err := replaceGroupMembers(ctx, tx, id, u.GroupEmails); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit endpoint update: %w", err)
	}
	return nil
}

func replaceGroupMembers(ctx context.Context, tx *sql.Tx, endpointID string, emails []string) error {
	for _, email := range emails {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO email_group_members (id, endpoint_id, email, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (endpoint_id, email) DO NOTHING
		`, uuid.New().String(), endpointID, email)
		if err != nil {
			return fmt.Errorf("insert group member: %w", err)
		}
	}
	return nil
}

// Delete removes an endpoint. It refuses while any email address or domain
// catch-all still routes through it; group members and delivery history
// cascade with the row.
func (r *EndpointRepo) Delete(ctx context.Context, userID, id string) (*EndpointCleanup, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM endpoints WHERE id = $1 AND user_id = $2)
	`, id, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check endpoint: %w", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	var addressRefs, catchAllRefs int
	if err := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM email_addresses WHERE endpoint_id = $1),
			(SELECT COUNT(*) FROM email_domains WHERE catch_all_endpoint_id = $1)
	`, id).Scan(&addressRefs, &catchAllRefs); err != nil {
		return nil, fmt.Errorf("count endpoint references: %w", err)
	}
	if addressRefs > 0 || catchAllRefs > 0 {
		return nil, domain.ErrDependencyBusy
	}

	cleanup := &EndpointCleanup{}
	if err := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM email_group_members WHERE endpoint_id = $1),
			(SELECT COUNT(*) FROM endpoint_deliveries WHERE endpoint_id = $1)
	`, id).Scan(&cleanup.GroupEmailsDeleted, &cleanup.DeliveriesDeleted); err != nil {
		return nil, fmt.Errorf("count endpoint cleanup: %w", err)
	}

	// Delivery history has no FK back to endpoints, clean it here.
	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint_deliveries WHERE endpoint_id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete endpoint deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoints WHERE id = $1 AND user_id = $2`, id, userID); err != nil {
		return nil, fmt.Errorf("delete endpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit endpoint delete: %w", err)
	}
	return cleanup, nil
}

// IncrementStats bumps the delivery counters in one statement so the total
// always equals successful plus failed.
func (r *EndpointRepo) IncrementStats(ctx context.Context, id string, success bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE endpoints
		SET total_deliveries = total_deliveries + 1,
		    successful_deliveries = successful_deliveries + CASE WHEN $1 THEN 1 ELSE 0 END,
		    failed_deliveries = failed_deliveries + CASE WHEN $1 THEN 0 ELSE 1 END,
		    last_used_at = NOW(),
		    updated_at = NOW()
		WHERE id = $2
	`, success, id)
	if err != nil {
		return fmt.Errorf("increment endpoint stats: %w", err)
	}
	return nil
}

// GroupEmails returns the member addresses of an email_group endpoint.
func (r *EndpointRepo) GroupEmails(ctx context.Context, endpointID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email FROM email_group_members WHERE endpoint_id = $1 ORDER BY email
	`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list group emails: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan group email: %w", err)
		}
		out = append(out, email)
	}
	return out, nil
}

// GroupEmailsForEndpoints batches member lookups for a listing page.
func (r *EndpointRepo) GroupEmailsForEndpoints(ctx context.Context, endpointIDs []string) (map[string][]string, error) {
	if len(endpointIDs) == 0 {
		return map[string][]string{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT endpoint_id, email FROM email_group_members
		WHERE endpoint_id = ANY($1)
		ORDER BY email
	`, pq.Array(endpointIDs))
	if err != nil {
		return nil, fmt.Errorf("list group emails: %w", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var endpointID, email string
		if err := rows.Scan(&endpointID, &email); err != nil {
			return nil, fmt.Errorf("scan group email: %w", err)
		}
		out[endpointID] = append(out[endpointID], email)
	}
	return out, nil
}

// AssociatedAddresses lists the addresses currently routed to an endpoint.
func (r *EndpointRepo) AssociatedAddresses(ctx context.Context, endpointID string) ([]domain.EmailAddress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+addressColumns+`
		FROM email_addresses
		WHERE endpoint_id = $1
		ORDER BY address
	`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list associated addresses: %w", err)
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

// CatchAllDomains lists the domains whose catch-all routes to an endpoint.
func (r *EndpointRepo) CatchAllDomains(ctx context.Context, endpointID string) ([]domain.EmailDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domainColumns+`
		FROM email_domains
		WHERE catch_all_endpoint_id = $1
		ORDER BY domain
	`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list catch-all domains: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, nil
}
