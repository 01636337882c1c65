package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// EventRepo persists the immutable mailer callback records.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Create(ctx context.Context, e *domain.SESEvent) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	destination, err := encodeStrings(e.Destination)
	if err != nil {
		return "", err
	}
	recipients, err := encodeStrings(e.Recipients)
	if err != nil {
		return "", err
	}
	commonHeaders, err := encodeJSON(e.CommonHeaders)
	if err != nil {
		return "", err
	}
	lambdaContext, err := encodeJSON(e.LambdaContext)
	if err != nil {
		return "", err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ses_events
			(id, event_source, event_version, message_id, source, destination,
			 recipients, receipt_timestamp, mail_timestamp, processing_time_millis,
			 spf_verdict, dkim_verdict, dmarc_verdict, spam_verdict, virus_verdict,
			 action_type, s3_bucket_name, s3_object_key, email_content,
			 s3_content_fetched, s3_content_size, s3_error, common_headers,
			 lambda_context, webhook_timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, NOW())
	`, e.ID, e.EventSource, e.EventVersion, e.MessageID, e.Source, destination,
		recipients, e.ReceiptTimestamp, e.MailTimestamp, e.ProcessingTimeMillis,
		e.SPFVerdict, e.DKIMVerdict, e.DMARCVerdict, e.SpamVerdict, e.VirusVerdict,
		e.ActionType, e.S3BucketName, e.S3ObjectKey, e.EmailContent,
		e.S3ContentFetched, e.S3ContentSize, e.S3Error, commonHeaders,
		lambdaContext, e.WebhookTimestamp)
	if err != nil {
		return "", fmt.Errorf("create ses event: %w", err)
	}
	return e.ID, nil
}

func (r *EventRepo) Get(ctx context.Context, id string) (*domain.SESEvent, error) {
	e := &domain.SESEvent{}
	var destination, recipients, commonHeaders, lambdaContext sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, event_source, event_version, message_id, source, destination,
		       recipients, receipt_timestamp, mail_timestamp, processing_time_millis,
		       spf_verdict, dkim_verdict, dmarc_verdict, spam_verdict, virus_verdict,
		       action_type, s3_bucket_name, s3_object_key, email_content,
		       s3_content_fetched, s3_content_size, s3_error, common_headers,
		       lambda_context, webhook_timestamp, created_at
		FROM ses_events
		WHERE id = $1
	`, id).Scan(
		&e.ID, &e.EventSource, &e.EventVersion, &e.MessageID, &e.Source, &destination,
		&recipients, &e.ReceiptTimestamp, &e.MailTimestamp, &e.ProcessingTimeMillis,
		&e.SPFVerdict, &e.DKIMVerdict, &e.DMARCVerdict, &e.SpamVerdict, &e.VirusVerdict,
		&e.ActionType, &e.S3BucketName, &e.S3ObjectKey, &e.EmailContent,
		&e.S3ContentFetched, &e.S3ContentSize, &e.S3Error, &commonHeaders,
		&lambdaContext, &e.WebhookTimestamp, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ses event: %w", err)
	}

	if e.Destination, err = decodeStrings(destination); err != nil {
		return nil, err
	}
	if e.Recipients, err = decodeStrings(recipients); err != nil {
		return nil, err
	}
	if commonHeaders.Valid {
		e.CommonHeaders = &domain.CommonHeaders{}
		if err := decodeJSON(commonHeaders, e.CommonHeaders); err != nil {
			return nil, err
		}
	}
	if lambdaContext.Valid {
		e.LambdaContext = &domain.LambdaContext{}
		if err := decodeJSON(lambdaContext, e.LambdaContext); err != nil {
			return nil, err
		}
	}
	return e, nil
}
