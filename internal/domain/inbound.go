package domain

import "time"

// SESEvent is one immutable callback record from the cloud mailer: the
// envelope, authentication verdicts, and the location of the raw message in
// object storage. Events fan out to one ReceivedEmail per recipient, which
// may belong to different users; ownership therefore lives on the email
// rows, never here.
type SESEvent struct {
	ID           string `json:"id" db:"id"`
	EventSource  string `json:"event_source" db:"event_source"`
	EventVersion string `json:"event_version" db:"event_version"`

	MessageID   string   `json:"message_id" db:"message_id"`
	Source      string   `json:"source" db:"source"`
	Destination []string `json:"destination" db:"destination"`
	// Recipients is the receipt list after the mailer's recipient
	// filtering; it drives the per-recipient fan-out.
	Recipients []string `json:"recipients" db:"recipients"`

	ReceiptTimestamp     *time.Time `json:"receipt_timestamp" db:"receipt_timestamp"`
	MailTimestamp        *time.Time `json:"mail_timestamp" db:"mail_timestamp"`
	ProcessingTimeMillis int64      `json:"processing_time_millis" db:"processing_time_millis"`

	// Authentication verdict statuses as reported by the mailer
	// (PASS, FAIL, GRAY, PROCESSING_FAILED).
	SPFVerdict   string `json:"spf_verdict" db:"spf_verdict"`
	DKIMVerdict  string `json:"dkim_verdict" db:"dkim_verdict"`
	DMARCVerdict string `json:"dmarc_verdict" db:"dmarc_verdict"`
	SpamVerdict  string `json:"spam_verdict" db:"spam_verdict"`
	VirusVerdict string `json:"virus_verdict" db:"virus_verdict"`

	ActionType   string `json:"action_type" db:"action_type"`
	S3BucketName string `json:"s3_bucket_name" db:"s3_bucket_name"`
	S3ObjectKey  string `json:"s3_object_key" db:"s3_object_key"`

	// EmailContent is the raw RFC 5322 message when the ingest pipeline
	// shipped it inline; nil when only the S3 pointer was delivered.
	EmailContent     *string `json:"-" db:"email_content"`
	S3ContentFetched bool    `json:"s3_content_fetched" db:"s3_content_fetched"`
	S3ContentSize    int64   `json:"s3_content_size" db:"s3_content_size"`
	S3Error          *string `json:"s3_error" db:"s3_error"`

	CommonHeaders *CommonHeaders `json:"common_headers" db:"common_headers"`
	LambdaContext *LambdaContext `json:"lambda_context" db:"lambda_context"`

	WebhookTimestamp *time.Time `json:"webhook_timestamp" db:"webhook_timestamp"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// CommonHeaders mirrors the mailer's pre-extracted header summary.
type CommonHeaders struct {
	From      []string `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Date      string   `json:"date,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
}

// LambdaContext identifies the mailer-side function invocation that
// produced an event, kept for tracing callbacks end to end.
type LambdaContext struct {
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	RequestID       string `json:"requestId"`
}

// EmailStatus is the per-recipient outcome of ingestion.
type EmailStatus string

const (
	EmailReceived EmailStatus = "received"
	EmailBlocked  EmailStatus = "blocked"
)

// ReceivedEmail is the per-recipient materialization of an SESEvent and the
// unit of ownership for inbound mail.
type ReceivedEmail struct {
	ID         string `json:"id" db:"id"`
	SESEventID string `json:"ses_event_id" db:"ses_event_id"`
	UserID     string `json:"user_id" db:"user_id"`
	Recipient  string `json:"recipient" db:"recipient"`
	MessageID  string `json:"message_id" db:"message_id"`
	Subject    string `json:"subject" db:"subject"`
	FromText   string `json:"from_text" db:"from_text"`

	Status EmailStatus `json:"status" db:"status"`

	// Denormalized from the structured form so list views stay one query.
	Preview         string `json:"preview" db:"preview"`
	HasAttachments  bool   `json:"has_attachments" db:"has_attachments"`
	AttachmentCount int    `json:"attachment_count" db:"attachment_count"`

	IsRead     bool       `json:"is_read" db:"is_read"`
	ReadAt     *time.Time `json:"read_at" db:"read_at"`
	IsArchived bool       `json:"is_archived" db:"is_archived"`
	ArchivedAt *time.Time `json:"archived_at" db:"archived_at"`

	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time `json:"processed_at" db:"processed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// MailAddress is one parsed mailbox. Name is nil when the header carried a
// bare address.
type MailAddress struct {
	Name    *string `json:"name"`
	Address string  `json:"address"`
}

// AddressGroup pairs the literal header text with its parsed mailboxes.
type AddressGroup struct {
	Text      string        `json:"text"`
	Addresses []MailAddress `json:"addresses"`
}

// AttachmentMeta describes one MIME attachment without its content.
type AttachmentMeta struct {
	Filename           *string `json:"filename"`
	ContentType        string  `json:"contentType"`
	Size               int     `json:"size"`
	ContentID          *string `json:"contentId"`
	ContentDisposition string  `json:"contentDisposition"`
}

// StructuredEmail is the parsed MIME decoding of the raw message attached
// to a ReceivedEmail. A failed parse still persists whatever subset of
// fields was extracted, with ParseSuccess=false and the error recorded.
type StructuredEmail struct {
	ID         string `json:"id" db:"id"`
	EmailID    string `json:"email_id" db:"email_id"`
	SESEventID string `json:"ses_event_id" db:"ses_event_id"`
	UserID     string `json:"user_id" db:"user_id"`

	MessageID *string    `json:"message_id" db:"message_id"`
	Subject   *string    `json:"subject" db:"subject"`
	Date      *time.Time `json:"date" db:"date"`

	From    *AddressGroup `json:"from" db:"from_data"`
	To      *AddressGroup `json:"to" db:"to_data"`
	Cc      *AddressGroup `json:"cc" db:"cc_data"`
	Bcc     *AddressGroup `json:"bcc" db:"bcc_data"`
	ReplyTo *AddressGroup `json:"reply_to" db:"reply_to_data"`

	InReplyTo  *string  `json:"in_reply_to" db:"in_reply_to"`
	References []string `json:"references" db:"references_data"`

	TextBody   *string `json:"text_body" db:"text_body"`
	HTMLBody   *string `json:"html_body" db:"html_body"`
	RawContent *string `json:"-" db:"raw_content"`

	Attachments []AttachmentMeta    `json:"attachments" db:"attachments"`
	Headers     map[string][]string `json:"headers" db:"headers"`
	Priority    *string             `json:"priority" db:"priority"`

	ParseSuccess bool    `json:"parse_success" db:"parse_success"`
	ParseError   *string `json:"parse_error" db:"parse_error"`

	HasAttachments  bool `json:"has_attachments" db:"has_attachments"`
	AttachmentCount int  `json:"attachment_count" db:"attachment_count"`
	HasTextBody     bool `json:"has_text_body" db:"has_text_body"`
	HasHTMLBody     bool `json:"has_html_body" db:"has_html_body"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BlockedEmail is one sender-address blocklist entry. Mail from a blocked
// sender is persisted with EmailBlocked status and never routed.
type BlockedEmail struct {
	ID           string    `json:"id" db:"id"`
	EmailAddress string    `json:"email_address" db:"email_address"`
	Reason       *string   `json:"reason" db:"reason"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
