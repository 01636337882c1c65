package domain

import "time"

// SentEmailStatus is the lifecycle of an outbound message.
type SentEmailStatus string

const (
	SendPending SentEmailStatus = "pending"
	SendSent    SentEmailStatus = "sent"
	SendFailed  SentEmailStatus = "failed"
)

// SentEmail is one outbound send or reply. Rows are inserted pending,
// dispatched to the mailer, then finalized as sent or failed.
// (UserID, IdempotencyKey) is unique when the key is present.
type SentEmail struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// FromText is the full header form ("Name <addr@dom>"); FromAddress and
	// FromDomain are the extracted parts used by the ownership gate.
	FromText    string `json:"from_text" db:"from_text"`
	FromAddress string `json:"from_address" db:"from_address"`
	FromDomain  string `json:"from_domain" db:"from_domain"`

	To      []string `json:"to" db:"to_data"`
	Cc      []string `json:"cc" db:"cc_data"`
	Bcc     []string `json:"bcc" db:"bcc_data"`
	ReplyTo []string `json:"reply_to" db:"reply_to_data"`

	Subject  string  `json:"subject" db:"subject"`
	TextBody *string `json:"text_body" db:"text_body"`
	HTMLBody *string `json:"html_body" db:"html_body"`

	Headers     map[string]string `json:"headers" db:"headers"`
	Attachments []SendAttachment  `json:"attachments" db:"attachments"`
	Tags        []EmailTag        `json:"tags" db:"tags"`

	Status SentEmailStatus `json:"status" db:"status"`

	// MessageID is our RFC 5322 message id stored as a bare token, no
	// angle brackets, matching how the inbound parser stores them so the
	// thread search can join the two tables. ProviderMessageID is the
	// mailer's id for the accepted message.
	MessageID         string  `json:"message_id" db:"message_id"`
	ProviderMessageID *string `json:"provider_message_id" db:"provider_message_id"`
	FailureReason     *string `json:"failure_reason" db:"failure_reason"`
	IdempotencyKey    *string `json:"idempotency_key" db:"idempotency_key"`

	// Threading fields, set on replies.
	InReplyTo        *string  `json:"in_reply_to" db:"in_reply_to"`
	References       []string `json:"references" db:"references_data"`
	RepliedToEmailID *string  `json:"replied_to_email_id" db:"replied_to_email_id"`

	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// SendAttachment is one outbound attachment: either inline base64 content
// or a remote path to fetch. Filename is required.
type SendAttachment struct {
	Filename    string  `json:"filename" validate:"required"`
	Content     *string `json:"content,omitempty"`
	Path        *string `json:"path,omitempty"`
	ContentType *string `json:"contentType,omitempty"`
	ContentID   *string `json:"content_id,omitempty" validate:"omitempty,max=128"`
}

// EmailTag is a name/value pair attached to outbound messages.
type EmailTag struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// ScheduledEmailStatus is the lifecycle of a deferred send.
type ScheduledEmailStatus string

const (
	ScheduleScheduled  ScheduledEmailStatus = "scheduled"
	ScheduleProcessing ScheduledEmailStatus = "processing"
	ScheduleSent       ScheduledEmailStatus = "sent"
	ScheduleFailed     ScheduledEmailStatus = "failed"
	ScheduleCancelled  ScheduledEmailStatus = "cancelled"
)

// ScheduledEmail is a send deferred to a future time. The scheduler worker
// claims due rows, sends them through the regular outbound path, and links
// the resulting SentEmail.
type ScheduledEmail struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	FromText    string `json:"from_text" db:"from_text"`
	FromAddress string `json:"from_address" db:"from_address"`
	FromDomain  string `json:"from_domain" db:"from_domain"`

	To      []string `json:"to" db:"to_data"`
	Cc      []string `json:"cc" db:"cc_data"`
	Bcc     []string `json:"bcc" db:"bcc_data"`
	ReplyTo []string `json:"reply_to" db:"reply_to_data"`

	Subject  string  `json:"subject" db:"subject"`
	TextBody *string `json:"text_body" db:"text_body"`
	HTMLBody *string `json:"html_body" db:"html_body"`

	Headers     map[string]string `json:"headers" db:"headers"`
	Attachments []SendAttachment  `json:"attachments" db:"attachments"`
	Tags        []EmailTag        `json:"tags" db:"tags"`

	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
	Timezone    string    `json:"timezone" db:"timezone"`

	Status      ScheduledEmailStatus `json:"status" db:"status"`
	Attempts    int                  `json:"attempts" db:"attempts"`
	MaxAttempts int                  `json:"max_attempts" db:"max_attempts"`
	NextRetryAt *time.Time           `json:"next_retry_at" db:"next_retry_at"`
	LastError   *string              `json:"last_error" db:"last_error"`

	IdempotencyKey *string `json:"idempotency_key" db:"idempotency_key"`

	SentEmailID *string    `json:"sent_email_id" db:"sent_email_id"`
	SentAt      *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}
