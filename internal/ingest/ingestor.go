// Package ingest turns mailer callbacks into persisted, parsed, routed
// email records. The pipeline absorbs per-record and per-recipient
// failures: the callback response is always a 200-level summary so the
// mailer never retries on our internal faults.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/entitlement"
	"github.com/inboundemail/inbound-sub004/internal/mailparse"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// EventCreator persists immutable ingestion events.
type EventCreator interface {
	Create(ctx context.Context, ev *domain.SESEvent) (string, error)
}

// EmailWriter persists per-recipient email rows.
type EmailWriter interface {
	Create(ctx context.Context, email *domain.ReceivedEmail) (string, error)
	SetProcessed(ctx context.Context, id string) error
}

// StructuredCreator persists the parsed MIME form of an email.
type StructuredCreator interface {
	Create(ctx context.Context, s *domain.StructuredEmail) (string, error)
}

// RawFetcher retrieves raw message bytes from the mailer's object store.
type RawFetcher interface {
	FetchRawMessage(ctx context.Context, bucket, key string) ([]byte, error)
}

// Router selects and executes the destination for one received email.
// It returns the destination kind (webhook, email, email_group, none) and
// the delivery error if the dispatch ran and failed.
type Router interface {
	Route(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail) (string, error)
}

// Result is the callback response body: counts plus per-recipient
// outcomes.
type Result struct {
	Success            bool                `json:"success"`
	Processed          int                 `json:"processed"`
	Rejected           int                 `json:"rejected"`
	Emails             []EmailOutcome      `json:"emails"`
	RejectedRecipients []RejectedRecipient `json:"rejectedRecipients,omitempty"`
}

// EmailOutcome reports one persisted recipient.
type EmailOutcome struct {
	EmailID       string `json:"emailId"`
	Recipient     string `json:"recipient"`
	Status        string `json:"status"`
	Destination   string `json:"destination"`
	DeliveryError string `json:"deliveryError,omitempty"`
}

// RejectedRecipient reports one recipient that was not persisted.
type RejectedRecipient struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// Ingestor is the inbound pipeline: persist event, parse, fan out per
// recipient through the owner, quota, and blocklist gates, then route.
type Ingestor struct {
	events     EventCreator
	emails     EmailWriter
	structured StructuredCreator
	resolver   *OwnerResolver
	blocklist  *BlocklistChecker
	gate       entitlement.Gate
	fetcher    RawFetcher
	router     Router
}

// NewIngestor wires the pipeline. fetcher and router may not be nil; use
// test fakes rather than nil checks.
func NewIngestor(
	events EventCreator,
	emails EmailWriter,
	structured StructuredCreator,
	resolver *OwnerResolver,
	blocklist *BlocklistChecker,
	gate entitlement.Gate,
	fetcher RawFetcher,
	router Router,
) *Ingestor {
	return &Ingestor{
		events:     events,
		emails:     emails,
		structured: structured,
		resolver:   resolver,
		blocklist:  blocklist,
		gate:       gate,
		fetcher:    fetcher,
		router:     router,
	}
}

// Ingest processes one callback. The returned error is non-nil only for
// an invalid payload (the 400 path); every failure past validation is
// absorbed into the Result so the HTTP layer can answer 200.
func (in *Ingestor) Ingest(ctx context.Context, payload *CallbackPayload) (*Result, error) {
	if payload == nil || payload.Type != PayloadTypeSESEventWithContent {
		return nil, fmt.Errorf("%w: unsupported payload type %q", domain.ErrInvalid, payloadType(payload))
	}
	if len(payload.ProcessedRecords) == 0 {
		return nil, fmt.Errorf("%w: no processed_records", domain.ErrInvalid)
	}

	result := &Result{Success: true, Emails: []EmailOutcome{}}

	for idx := range payload.ProcessedRecords {
		rec := &payload.ProcessedRecords[idx]
		if err := in.processRecord(ctx, payload, rec, result); err != nil {
			// Record-level faults (event insert, malformed record) reject
			// every recipient of that record but never abort the batch.
			logger.Error("ingest record failed", "index", fmt.Sprint(idx), "error", err.Error())
			for _, recipient := range rec.SES.Receipt.Recipients {
				result.RejectedRecipients = append(result.RejectedRecipients, RejectedRecipient{
					Recipient: recipient,
					Reason:    err.Error(),
				})
				result.Rejected++
			}
		}
	}

	return result, nil
}

func (in *Ingestor) processRecord(ctx context.Context, payload *CallbackPayload, rec *ProcessedRecord, result *Result) error {
	ev := toEvent(payload, rec)

	raw := in.rawContent(ctx, rec, ev)
	if _, err := in.events.Create(ctx, ev); err != nil {
		return fmt.Errorf("persisting ingestion event: %w", err)
	}

	var parsed *domain.StructuredEmail
	if len(raw) > 0 {
		parsed = mailparse.Parse(raw)
	}

	for _, recipient := range rec.SES.Receipt.Recipients {
		in.processRecipient(ctx, ev, parsed, recipient, result)
	}
	return nil
}

// rawContent returns the raw message bytes: inline content when the
// function shipped it, otherwise a fetch from the stored object. Fetch
// failures are recorded on the event and leave the email unparsed.
func (in *Ingestor) rawContent(ctx context.Context, rec *ProcessedRecord, ev *domain.SESEvent) []byte {
	if rec.EmailContent != "" {
		content := rec.EmailContent
		ev.EmailContent = &content
		ev.S3ContentFetched = true
		if ev.S3ContentSize == 0 {
			ev.S3ContentSize = int64(len(content))
		}
		return []byte(content)
	}

	if ev.S3BucketName == "" || ev.S3ObjectKey == "" {
		return nil
	}

	raw, err := in.fetcher.FetchRawMessage(ctx, ev.S3BucketName, ev.S3ObjectKey)
	if err != nil {
		msg := err.Error()
		ev.S3Error = &msg
		logger.Error("raw message fetch failed",
			"bucket", ev.S3BucketName, "key", ev.S3ObjectKey, "error", msg)
		return nil
	}

	content := string(raw)
	ev.EmailContent = &content
	ev.S3ContentFetched = true
	ev.S3ContentSize = int64(len(raw))
	return raw
}

func (in *Ingestor) processRecipient(ctx context.Context, ev *domain.SESEvent, parsed *domain.StructuredEmail, recipient string, result *Result) {
	owner := in.resolver.Resolve(ctx, recipient)

	decision := in.gate.CheckAndTrack(ctx, owner, entitlement.FeatureInboundTriggers)
	if !decision.Allowed {
		result.RejectedRecipients = append(result.RejectedRecipients, RejectedRecipient{
			Recipient: recipient,
			Reason:    decision.Reason,
		})
		result.Rejected++
		return
	}

	email := buildEmail(ev, parsed, recipient, owner)
	if in.blocklist.IsBlocked(ctx, ev.Source) {
		email.Status = domain.EmailBlocked
		logger.Warn("sender blocked", "sender", ev.Source, "recipient", recipient)
	}

	if _, err := in.emails.Create(ctx, email); err != nil {
		logger.Error("persisting email failed", "recipient", recipient, "error", err.Error())
		result.RejectedRecipients = append(result.RejectedRecipients, RejectedRecipient{
			Recipient: recipient,
			Reason:    "persisting email: " + err.Error(),
		})
		result.Rejected++
		return
	}

	if parsed != nil {
		structured := *parsed
		structured.ID = uuid.New().String()
		structured.EmailID = email.ID
		structured.SESEventID = ev.ID
		structured.UserID = owner
		if _, err := in.structured.Create(ctx, &structured); err != nil {
			// The email row stands on its own; routing still works from
			// the denormalized fields.
			logger.Error("persisting structured email failed", "email_id", email.ID, "error", err.Error())
		}
	}

	outcome := EmailOutcome{
		EmailID:     email.ID,
		Recipient:   recipient,
		Status:      string(email.Status),
		Destination: "none",
	}

	if email.Status != domain.EmailBlocked {
		destination, err := in.router.Route(ctx, email, parsed)
		if destination != "" {
			outcome.Destination = destination
		}
		if err != nil {
			outcome.DeliveryError = err.Error()
		}
	}

	if err := in.emails.SetProcessed(ctx, email.ID); err != nil {
		logger.Error("marking email processed failed", "email_id", email.ID, "error", err.Error())
	}

	result.Emails = append(result.Emails, outcome)
	result.Processed++
}

// buildEmail materializes the per-recipient row, denormalizing the fields
// list views need from whichever source is available: the parsed message
// first, the mailer's header summary as fallback.
func buildEmail(ev *domain.SESEvent, parsed *domain.StructuredEmail, recipient, owner string) *domain.ReceivedEmail {
	email := &domain.ReceivedEmail{
		ID:         uuid.New().String(),
		SESEventID: ev.ID,
		UserID:     owner,
		Recipient:  recipient,
		Status:     domain.EmailReceived,
	}

	if ev.MailTimestamp != nil {
		email.ReceivedAt = *ev.MailTimestamp
	} else if ev.ReceiptTimestamp != nil {
		email.ReceivedAt = *ev.ReceiptTimestamp
	}

	if parsed != nil {
		if parsed.MessageID != nil {
			email.MessageID = *parsed.MessageID
		}
		if parsed.Subject != nil {
			email.Subject = *parsed.Subject
		}
		if parsed.From != nil {
			email.FromText = parsed.From.Text
		}
		email.Preview = mailparse.Preview(parsed)
		email.HasAttachments = parsed.HasAttachments
		email.AttachmentCount = parsed.AttachmentCount
	}

	if h := ev.CommonHeaders; h != nil {
		if email.MessageID == "" {
			email.MessageID = mailparse.NormalizeMessageID(h.MessageID)
		}
		if email.Subject == "" {
			email.Subject = h.Subject
		}
		if email.FromText == "" && len(h.From) > 0 {
			email.FromText = h.From[0]
		}
	}
	if email.FromText == "" {
		email.FromText = ev.Source
	}

	return email
}

func payloadType(p *CallbackPayload) string {
	if p == nil {
		return ""
	}
	return p.Type
}
