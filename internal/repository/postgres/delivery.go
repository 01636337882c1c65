package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// DeliveryRepo persists per-endpoint dispatch records for inbound emails.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

const deliveryColumns = `id, email_id, endpoint_id, delivery_type, target, payload,
	       status, attempts, response_code, response_body, error_message,
	       delivery_time_ms, last_attempt_at, created_at, updated_at`

func scanDelivery(s rowScanner) (*domain.EndpointDelivery, error) {
	d := &domain.EndpointDelivery{}
	err := s.Scan(
		&d.ID, &d.EmailID, &d.EndpointID, &d.DeliveryType, &d.Target, &d.Payload,
		&d.Status, &d.Attempts, &d.ResponseCode, &d.ResponseBody, &d.ErrorMessage,
		&d.DeliveryTimeMS, &d.LastAttemptAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DeliveryRepo) Create(ctx context.Context, d *domain.EndpointDelivery) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO endpoint_deliveries
			(id, email_id, endpoint_id, delivery_type, target, payload, status,
			 attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, d.ID, d.EmailID, d.EndpointID, d.DeliveryType, d.Target, d.Payload,
		d.Status, d.Attempts)
	if err != nil {
		return "", fmt.Errorf("create delivery: %w", err)
	}
	return d.ID, nil
}

// RecordResult stamps the outcome of one dispatch attempt onto the row.
func (r *DeliveryRepo) RecordResult(ctx context.Context, id string, status domain.DeliveryStatus,
	responseCode *int, responseBody, errorMessage *string, deliveryTimeMS int64) error {

	res, err := r.db.ExecContext(ctx, `
		UPDATE endpoint_deliveries
		SET status = $1, attempts = attempts + 1, response_code = $2,
		    response_body = $3, error_message = $4, delivery_time_ms = $5,
		    last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $6
	`, status, responseCode, responseBody, errorMessage, deliveryTimeMS, id)
	if err != nil {
		return fmt.Errorf("record delivery result: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DeliveryRepo) ListByEmail(ctx context.Context, emailID string) ([]domain.EndpointDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM endpoint_deliveries
		WHERE email_id = $1
		ORDER BY created_at
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by email: %w", err)
	}
	defer rows.Close()

	var out []domain.EndpointDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, nil
}

// RecentByEndpoint returns the newest dispatches through an endpoint, for
// the endpoint detail view.
func (r *DeliveryRepo) RecentByEndpoint(ctx context.Context, endpointID string, limit int) ([]domain.EndpointDelivery, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM endpoint_deliveries
		WHERE endpoint_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.EndpointDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, nil
}
