package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// PayloadTypeSESEventWithContent is the only callback type the ingest
// endpoint accepts.
const PayloadTypeSESEventWithContent = "ses_event_with_content"

// CallbackPayload is the body the mailer's ingest function POSTs after a
// receipt rule fires. The envelope uses our field names; each record's
// `ses` object is the mailer's own notification, passed through verbatim
// (hence the camelCase keys inside it).
type CallbackPayload struct {
	Type             string            `json:"type"`
	Timestamp        string            `json:"timestamp"`
	Context          *CallbackContext  `json:"context"`
	ProcessedRecords []ProcessedRecord `json:"processed_records"`
}

// CallbackContext identifies the function invocation for tracing.
type CallbackContext struct {
	FunctionName    string `json:"function_name"`
	FunctionVersion string `json:"function_version"`
	RequestID       string `json:"request_id"`
}

// ProcessedRecord is one received message: the mailer notification plus
// the raw content the function fetched from object storage (inline when it
// fit, a pointer otherwise).
type ProcessedRecord struct {
	EventSource  string      `json:"event_source"`
	EventVersion string      `json:"event_version"`
	SES          SESRecord   `json:"ses"`
	EmailContent string      `json:"email_content,omitempty"`
	S3Location   *S3Location `json:"s3_location,omitempty"`
	S3Error      string      `json:"s3_error,omitempty"`
}

// SESRecord mirrors the mailer's receipt notification.
type SESRecord struct {
	Receipt Receipt `json:"receipt"`
	Mail    Mail    `json:"mail"`
}

// Receipt carries the acceptance verdicts and the action that stored the
// message.
type Receipt struct {
	Timestamp            string   `json:"timestamp"`
	ProcessingTimeMillis int64    `json:"processingTimeMillis"`
	Recipients           []string `json:"recipients"`
	SPFVerdict           *Verdict `json:"spfVerdict"`
	DKIMVerdict          *Verdict `json:"dkimVerdict"`
	DMARCVerdict         *Verdict `json:"dmarcVerdict"`
	SpamVerdict          *Verdict `json:"spamVerdict"`
	VirusVerdict         *Verdict `json:"virusVerdict"`
	Action               *Action  `json:"action"`
}

// Verdict is one authentication check result (PASS, FAIL, GRAY,
// PROCESSING_FAILED).
type Verdict struct {
	Status string `json:"status"`
}

// Action describes where the receipt rule put the raw message.
type Action struct {
	Type       string `json:"type"`
	BucketName string `json:"bucketName"`
	ObjectKey  string `json:"objectKey"`
}

// Mail is the mailer's envelope summary.
type Mail struct {
	Timestamp     string       `json:"timestamp"`
	MessageID     string       `json:"messageId"`
	Source        string       `json:"source"`
	Destination   []string     `json:"destination"`
	CommonHeaders *MailHeaders `json:"commonHeaders"`
}

// MailHeaders is the mailer's pre-extracted header summary.
type MailHeaders struct {
	From      []string `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
}

// S3Location points at the stored raw message when the content was not
// shipped inline.
type S3Location struct {
	Bucket         string `json:"bucket"`
	Key            string `json:"key"`
	ContentFetched bool   `json:"content_fetched"`
	ContentSize    int64  `json:"content_size"`
}

// toEvent converts one callback record into the immutable event row.
func toEvent(payload *CallbackPayload, rec *ProcessedRecord) *domain.SESEvent {
	ev := &domain.SESEvent{
		ID:                   uuid.New().String(),
		EventSource:          rec.EventSource,
		EventVersion:         rec.EventVersion,
		MessageID:            rec.SES.Mail.MessageID,
		Source:               rec.SES.Mail.Source,
		Destination:          rec.SES.Mail.Destination,
		Recipients:           rec.SES.Receipt.Recipients,
		ProcessingTimeMillis: rec.SES.Receipt.ProcessingTimeMillis,
		SPFVerdict:           verdictStatus(rec.SES.Receipt.SPFVerdict),
		DKIMVerdict:          verdictStatus(rec.SES.Receipt.DKIMVerdict),
		DMARCVerdict:         verdictStatus(rec.SES.Receipt.DMARCVerdict),
		SpamVerdict:          verdictStatus(rec.SES.Receipt.SpamVerdict),
		VirusVerdict:         verdictStatus(rec.SES.Receipt.VirusVerdict),
	}

	ev.ReceiptTimestamp = parseEventTime(rec.SES.Receipt.Timestamp)
	ev.MailTimestamp = parseEventTime(rec.SES.Mail.Timestamp)
	ev.WebhookTimestamp = parseEventTime(payload.Timestamp)

	if action := rec.SES.Receipt.Action; action != nil {
		ev.ActionType = action.Type
		ev.S3BucketName = action.BucketName
		ev.S3ObjectKey = action.ObjectKey
	}
	if loc := rec.S3Location; loc != nil {
		if loc.Bucket != "" {
			ev.S3BucketName = loc.Bucket
		}
		if loc.Key != "" {
			ev.S3ObjectKey = loc.Key
		}
		ev.S3ContentFetched = loc.ContentFetched
		ev.S3ContentSize = loc.ContentSize
	}
	if rec.S3Error != "" {
		s3Err := rec.S3Error
		ev.S3Error = &s3Err
	}
	if h := rec.SES.Mail.CommonHeaders; h != nil {
		ev.CommonHeaders = &domain.CommonHeaders{
			From:      h.From,
			To:        h.To,
			Subject:   h.Subject,
			Date:      h.Date,
			MessageID: h.MessageID,
		}
	}
	if c := payload.Context; c != nil {
		ev.LambdaContext = &domain.LambdaContext{
			FunctionName:    c.FunctionName,
			FunctionVersion: c.FunctionVersion,
			RequestID:       c.RequestID,
		}
	}

	return ev
}

func verdictStatus(v *Verdict) string {
	if v == nil {
		return ""
	}
	return v.Status
}

func parseEventTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
