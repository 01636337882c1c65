// Package outbound implements sending and replying through the cloud
// mailer: ownership and quota gates, idempotent persistence, raw MIME
// assembly for messages the structured send API cannot express, and the
// thread view that gives replies their context.
package outbound

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/entitlement"
	"github.com/inboundemail/inbound-sub004/internal/mailparse"
	"github.com/inboundemail/inbound-sub004/internal/pkg/httpretry"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
	"github.com/inboundemail/inbound-sub004/internal/pkg/validate"
	"github.com/inboundemail/inbound-sub004/internal/sesmail"
)

const (
	// maxAttachmentBytes caps remote attachment fetches; the mailer
	// rejects larger messages anyway.
	maxAttachmentBytes     = 10 << 20
	attachmentFetchTimeout = 30 * time.Second

	maxRecipients = 50
)

// SentStore persists outbound messages through their lifecycle.
type SentStore interface {
	Create(ctx context.Context, m *domain.SentEmail) (string, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.SentEmail, error)
	MarkSent(ctx context.Context, id, providerMessageID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// ScheduleStore persists deferred sends.
type ScheduleStore interface {
	Create(ctx context.Context, m *domain.ScheduledEmail) (string, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.ScheduledEmail, error)
}

// DomainStore looks up registered domains for the ownership gate.
type DomainStore interface {
	GetByName(ctx context.Context, name string) (*domain.EmailDomain, error)
}

// EmailStore loads the caller's inbound mail, used to resolve reply origins.
type EmailStore interface {
	Get(ctx context.Context, userID, id string) (*domain.ReceivedEmail, error)
}

// StructuredGetter loads the parsed form of an inbound email.
type StructuredGetter interface {
	GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error)
}

// Mailer dispatches through the cloud provider.
type Mailer interface {
	SendSimple(ctx context.Context, msg *sesmail.OutgoingMessage) (string, error)
	SendRaw(ctx context.Context, from string, recipients []string, raw []byte) (string, error)
}

// QuotaChecker meters outbound sends. Check runs before dispatch; Track
// runs only after the provider accepts, so refused sends never consume
// quota.
type QuotaChecker interface {
	Check(ctx context.Context, userID, feature string) entitlement.Decision
	Track(ctx context.Context, userID, feature string) error
}

// SendRequest is one outbound message. From accepts both "addr@dom" and
// "Name <addr@dom>" forms.
type SendRequest struct {
	From    string   `json:"from" validate:"required"`
	To      []string `json:"to" validate:"required,min=1,max=50"`
	Cc      []string `json:"cc,omitempty" validate:"omitempty,max=50"`
	Bcc     []string `json:"bcc,omitempty" validate:"omitempty,max=50"`
	ReplyTo []string `json:"reply_to,omitempty" validate:"omitempty,max=50"`

	Subject  string  `json:"subject" validate:"required"`
	TextBody *string `json:"text,omitempty"`
	HTMLBody *string `json:"html,omitempty"`

	Headers     map[string]string       `json:"headers,omitempty"`
	Attachments []domain.SendAttachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	Tags        []domain.EmailTag       `json:"tags,omitempty" validate:"omitempty,dive"`

	IdempotencyKey *string `json:"-"`
}

// ReplyRequest is a threaded reply to an inbound email. Recipients default
// to the original sender; Subject defaults to "Re: {original}".
type ReplyRequest struct {
	From     string  `json:"from" validate:"required"`
	FromName *string `json:"from_name,omitempty"`

	To      []string `json:"to,omitempty" validate:"omitempty,max=50"`
	Cc      []string `json:"cc,omitempty" validate:"omitempty,max=50"`
	Bcc     []string `json:"bcc,omitempty" validate:"omitempty,max=50"`
	ReplyTo []string `json:"reply_to,omitempty" validate:"omitempty,max=50"`

	Subject  *string `json:"subject,omitempty"`
	TextBody *string `json:"text,omitempty"`
	HTMLBody *string `json:"html,omitempty"`

	Headers     map[string]string       `json:"headers,omitempty"`
	Attachments []domain.SendAttachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	Tags        []domain.EmailTag       `json:"tags,omitempty" validate:"omitempty,dive"`

	// IncludeOriginal appends the quoted original below the new body.
	// Defaults to true.
	IncludeOriginal *bool `json:"include_original,omitempty"`

	IdempotencyKey *string `json:"-"`
}

// Sender runs the outbound pipeline: gates, idempotency, persistence, and
// dispatch through the mailer's structured or raw API.
type Sender struct {
	sent      SentStore
	scheduled ScheduleStore
	domains   DomainStore
	emails    EmailStore
	parsed    StructuredGetter
	mailer    Mailer
	quota     QuotaChecker

	httpClient   httpretry.HTTPDoer
	agentAddress string
}

// NewSender wires the outbound pipeline.
func NewSender(sent SentStore, scheduled ScheduleStore, domains DomainStore, emails EmailStore, parsed StructuredGetter, mailer Mailer, quota QuotaChecker, cfg config.InboundConfig) *Sender {
	return &Sender{
		sent:         sent,
		scheduled:    scheduled,
		domains:      domains,
		emails:       emails,
		parsed:       parsed,
		mailer:       mailer,
		quota:        quota,
		httpClient:   &http.Client{},
		agentAddress: cfg.AgentAddress,
	}
}

// SetHTTPClient swaps the client used for remote attachment fetches.
func (s *Sender) SetHTTPClient(c httpretry.HTTPDoer) { s.httpClient = c }

// Send validates, gates, persists, and dispatches one outbound message.
// Messages that need headers the structured send API cannot carry (a
// display name, custom headers, attachments) are assembled as raw MIME.
func (s *Sender) Send(ctx context.Context, userID string, req *SendRequest) (*domain.SentEmail, error) {
	if err := validate.Validate(req); err != nil {
		return nil, fmt.Errorf("invalid send request: %s: %w", err, domain.ErrInvalid)
	}
	if err := checkBody(req.TextBody, req.HTMLBody); err != nil {
		return nil, err
	}
	if err := checkRecipients(req.To, req.Cc, req.Bcc, req.ReplyTo); err != nil {
		return nil, err
	}

	fromName, fromAddr, err := splitFrom(req.From)
	if err != nil {
		return nil, err
	}
	fromDomain := domain.DomainOf(fromAddr)

	if err := s.authorize(ctx, userID, fromAddr, fromDomain); err != nil {
		return nil, err
	}
	if existing, err := s.existingSend(ctx, userID, req.IdempotencyKey); existing != nil || err != nil {
		return existing, err
	}

	decision := s.quota.Check(ctx, userID, entitlement.FeatureEmailsSent)
	if !decision.Allowed {
		return nil, fmt.Errorf("%s: %w", decision.Reason, domain.ErrQuotaExceeded)
	}

	rec := &domain.SentEmail{
		UserID:         userID,
		FromText:       req.From,
		FromAddress:    fromAddr,
		FromDomain:     fromDomain,
		To:             req.To,
		Cc:             req.Cc,
		Bcc:            req.Bcc,
		ReplyTo:        req.ReplyTo,
		Subject:        req.Subject,
		TextBody:       req.TextBody,
		HTMLBody:       req.HTMLBody,
		Headers:        req.Headers,
		Attachments:    req.Attachments,
		Tags:           req.Tags,
		Status:         domain.SendPending,
		IdempotencyKey: req.IdempotencyKey,
	}

	// The structured send API cannot set a display name, arbitrary
	// headers, or attachments; any of those forces raw assembly. Raw
	// messages carry a message id we mint (or the caller supplied),
	// simple sends leave it to the provider.
	needsRaw := fromName != "" || len(req.Headers) > 0 || len(req.Attachments) > 0
	var files []mailparse.Attachment
	if needsRaw {
		rec.MessageID = userMessageID(req.Headers)
		if rec.MessageID == "" {
			rec.MessageID = mintMessageID(fromDomain)
		}
		if files, err = s.resolveAttachments(ctx, req.Attachments); err != nil {
			return nil, err
		}
	}

	send := func(ctx context.Context) (string, error) {
		if !needsRaw {
			return s.mailer.SendSimple(ctx, &sesmail.OutgoingMessage{
				From:     fromAddr,
				To:       req.To,
				Cc:       req.Cc,
				Bcc:      req.Bcc,
				ReplyTo:  req.ReplyTo,
				Subject:  req.Subject,
				TextBody: deref(req.TextBody),
				HTMLBody: deref(req.HTMLBody),
				Tags:     tagMap(req.Tags),
			})
		}
		raw, err := mailparse.BuildRaw(&mailparse.RawMessage{
			From:         headerFrom(fromName, fromAddr),
			To:           req.To,
			Cc:           req.Cc,
			ReplyTo:      req.ReplyTo,
			Subject:      req.Subject,
			MessageID:    rec.MessageID,
			Date:         time.Now(),
			TextBody:     deref(req.TextBody),
			HTMLBody:     deref(req.HTMLBody),
			Attachments:  files,
			ExtraHeaders: customHeaders(req.Headers),
		})
		if err != nil {
			return "", fmt.Errorf("build raw message: %w", err)
		}
		return s.mailer.SendRaw(ctx, fromAddr, envelopeRecipients(req.To, req.Cc, req.Bcc), raw)
	}

	return s.dispatch(ctx, rec, decision.Unlimited, send)
}

// Reply sends a threaded reply to the inbound email. The outgoing message
// is always raw MIME: threading headers and the quoted original cannot go
// through the structured API.
func (s *Sender) Reply(ctx context.Context, userID, emailID string, req *ReplyRequest) (*domain.SentEmail, error) {
	if err := validate.Validate(req); err != nil {
		return nil, fmt.Errorf("invalid reply request: %s: %w", err, domain.ErrInvalid)
	}
	if err := checkBody(req.TextBody, req.HTMLBody); err != nil {
		return nil, err
	}
	if err := checkRecipients(req.To, req.Cc, req.Bcc, req.ReplyTo); err != nil {
		return nil, err
	}

	fromName, fromAddr, err := splitFrom(req.From)
	if err != nil {
		return nil, err
	}
	if req.FromName != nil && *req.FromName != "" {
		fromName = *req.FromName
	}
	fromDomain := domain.DomainOf(fromAddr)

	if err := s.authorize(ctx, userID, fromAddr, fromDomain); err != nil {
		return nil, err
	}
	if existing, err := s.existingSend(ctx, userID, req.IdempotencyKey); existing != nil || err != nil {
		return existing, err
	}

	decision := s.quota.Check(ctx, userID, entitlement.FeatureEmailsSent)
	if !decision.Allowed {
		return nil, fmt.Errorf("%s: %w", decision.Reason, domain.ErrQuotaExceeded)
	}

	email, err := s.emails.Get(ctx, userID, emailID)
	if err != nil {
		return nil, fmt.Errorf("load reply origin: %w", err)
	}
	parsed, err := s.parsed.GetByEmailID(ctx, email.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load parsed origin: %w", err)
	}

	recipients := req.To
	if len(recipients) == 0 {
		sender := originalSender(email, parsed)
		if sender == "" {
			return nil, fmt.Errorf("reply origin has no sender address: %w", domain.ErrInvalid)
		}
		recipients = []string{sender}
	}

	subject := email.Subject
	if req.Subject != nil && *req.Subject != "" {
		subject = *req.Subject
	} else {
		subject = "Re: " + subject
	}

	textBody, htmlBody := req.TextBody, req.HTMLBody
	if includeOriginal(req.IncludeOriginal) && parsed != nil {
		textBody, htmlBody = appendQuoted(textBody, htmlBody, email, parsed)
	}

	originToken := originMessageID(parsed)
	references := replyReferences(parsed, originToken)

	rec := &domain.SentEmail{
		UserID:           userID,
		FromText:         headerFrom(fromName, fromAddr),
		FromAddress:      fromAddr,
		FromDomain:       fromDomain,
		To:               recipients,
		Cc:               req.Cc,
		Bcc:              req.Bcc,
		ReplyTo:          req.ReplyTo,
		Subject:          subject,
		TextBody:         textBody,
		HTMLBody:         htmlBody,
		Headers:          req.Headers,
		Attachments:      req.Attachments,
		Tags:             req.Tags,
		Status:           domain.SendPending,
		References:       references,
		RepliedToEmailID: &email.ID,
		IdempotencyKey:   req.IdempotencyKey,
	}
	if originToken != "" {
		rec.InReplyTo = &originToken
	}
	rec.MessageID = userMessageID(req.Headers)
	if rec.MessageID == "" {
		rec.MessageID = mintMessageID(fromDomain)
	}

	files, err := s.resolveAttachments(ctx, req.Attachments)
	if err != nil {
		return nil, err
	}

	send := func(ctx context.Context) (string, error) {
		raw, err := mailparse.BuildRaw(&mailparse.RawMessage{
			From:         rec.FromText,
			To:           recipients,
			Cc:           req.Cc,
			ReplyTo:      req.ReplyTo,
			Subject:      subject,
			MessageID:    rec.MessageID,
			InReplyTo:    originToken,
			References:   references,
			Date:         time.Now(),
			TextBody:     deref(textBody),
			HTMLBody:     deref(htmlBody),
			Attachments:  files,
			ExtraHeaders: customHeaders(req.Headers),
		})
		if err != nil {
			return "", fmt.Errorf("build raw reply: %w", err)
		}
		return s.mailer.SendRaw(ctx, fromAddr, envelopeRecipients(recipients, req.Cc, req.Bcc), raw)
	}

	return s.dispatch(ctx, rec, decision.Unlimited, send)
}

// Schedule records a send for later dispatch by the scheduler worker.
// Ownership is gated now; quota is checked when the message actually goes
// out.
func (s *Sender) Schedule(ctx context.Context, userID string, req *SendRequest, at time.Time, timezone string) (*domain.ScheduledEmail, error) {
	if err := validate.Validate(req); err != nil {
		return nil, fmt.Errorf("invalid send request: %s: %w", err, domain.ErrInvalid)
	}
	if err := checkBody(req.TextBody, req.HTMLBody); err != nil {
		return nil, err
	}
	if err := checkRecipients(req.To, req.Cc, req.Bcc, req.ReplyTo); err != nil {
		return nil, err
	}

	_, fromAddr, err := splitFrom(req.From)
	if err != nil {
		return nil, err
	}
	fromDomain := domain.DomainOf(fromAddr)
	if err := s.authorize(ctx, userID, fromAddr, fromDomain); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		existing, err := s.scheduled.GetByIdempotencyKey(ctx, userID, *req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if !at.After(time.Now()) {
		return nil, fmt.Errorf("scheduled_at must be in the future: %w", domain.ErrInvalid)
	}
	if timezone == "" {
		timezone = "UTC"
	}

	m := &domain.ScheduledEmail{
		UserID:         userID,
		FromText:       req.From,
		FromAddress:    fromAddr,
		FromDomain:     fromDomain,
		To:             req.To,
		Cc:             req.Cc,
		Bcc:            req.Bcc,
		ReplyTo:        req.ReplyTo,
		Subject:        req.Subject,
		TextBody:       req.TextBody,
		HTMLBody:       req.HTMLBody,
		Headers:        req.Headers,
		Attachments:    req.Attachments,
		Tags:           req.Tags,
		ScheduledAt:    at.UTC(),
		Timezone:       timezone,
		Status:         domain.ScheduleScheduled,
		IdempotencyKey: req.IdempotencyKey,
	}
	if _, err := s.scheduled.Create(ctx, m); err != nil {
		if errors.Is(err, domain.ErrConflict) && req.IdempotencyKey != nil {
			return s.scheduled.GetByIdempotencyKey(ctx, userID, *req.IdempotencyKey)
		}
		return nil, fmt.Errorf("persist scheduled email: %w", err)
	}
	return m, nil
}

// SendScheduled dispatches a claimed schedule through the regular send
// path. The schedule id and attempt number form the idempotency key, so a
// crashed attempt cannot double-send but a recorded failure still retries.
func (s *Sender) SendScheduled(ctx context.Context, m *domain.ScheduledEmail) (*domain.SentEmail, error) {
	key := fmt.Sprintf("scheduled:%s:%d", m.ID, m.Attempts)
	req := &SendRequest{
		From:           m.FromText,
		To:             m.To,
		Cc:             m.Cc,
		Bcc:            m.Bcc,
		ReplyTo:        m.ReplyTo,
		Subject:        m.Subject,
		TextBody:       m.TextBody,
		HTMLBody:       m.HTMLBody,
		Headers:        m.Headers,
		Attachments:    m.Attachments,
		Tags:           m.Tags,
		IdempotencyKey: &key,
	}
	return s.Send(ctx, m.UserID, req)
}

// dispatch persists the pending row, runs the provider call, and finalizes
// the record as sent or failed.
func (s *Sender) dispatch(ctx context.Context, rec *domain.SentEmail, unlimited bool, send func(context.Context) (string, error)) (*domain.SentEmail, error) {
	if _, err := s.sent.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) && rec.IdempotencyKey != nil {
			// Lost the idempotency race; the winner's row is the answer.
			return s.sent.GetByIdempotencyKey(ctx, rec.UserID, *rec.IdempotencyKey)
		}
		return nil, fmt.Errorf("persist outbound email: %w", err)
	}

	providerID, sendErr := send(ctx)
	if sendErr != nil {
		if err := s.sent.MarkFailed(ctx, rec.ID, sendErr.Error()); err != nil {
			logger.Error("mark send failed", "sent_email_id", rec.ID, "error", err.Error())
		}
		return nil, fmt.Errorf("dispatch email: %w", sendErr)
	}

	if err := s.sent.MarkSent(ctx, rec.ID, providerID); err != nil {
		// The message is on the wire; surfacing this would invite a resend.
		logger.Error("mark sent", "sent_email_id", rec.ID, "error", err.Error())
	}
	if !unlimited {
		if err := s.quota.Track(ctx, rec.UserID, entitlement.FeatureEmailsSent); err != nil {
			logger.Warn("quota track after send", "user_id", rec.UserID, "error", err.Error())
		}
	}

	now := time.Now().UTC()
	rec.Status = domain.SendSent
	rec.ProviderMessageID = &providerID
	rec.SentAt = &now
	return rec, nil
}

// authorize allows the privileged agent address and otherwise requires the
// caller to own a verified domain matching the sender domain.
func (s *Sender) authorize(ctx context.Context, userID, fromAddr, fromDomain string) error {
	if s.agentAddress != "" && strings.EqualFold(fromAddr, s.agentAddress) {
		return nil
	}
	if fromDomain == "" {
		return fmt.Errorf("from address %q has no domain: %w", fromAddr, domain.ErrInvalid)
	}

	d, err := s.domains.GetByName(ctx, fromDomain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("sending domain %s is not owned by the caller: %w", fromDomain, domain.ErrForbidden)
		}
		return fmt.Errorf("look up sending domain: %w", err)
	}
	if d.UserID != userID {
		return fmt.Errorf("sending domain %s is not owned by the caller: %w", fromDomain, domain.ErrForbidden)
	}
	if !d.IsVerified() {
		return fmt.Errorf("sending domain %s is not verified: %w", fromDomain, domain.ErrForbidden)
	}
	return nil
}

// existingSend returns the record already stored under the idempotency
// key, or nil when there is none (or no key was given).
func (s *Sender) existingSend(ctx context.Context, userID string, key *string) (*domain.SentEmail, error) {
	if key == nil || *key == "" {
		return nil, nil
	}
	existing, err := s.sent.GetByIdempotencyKey(ctx, userID, *key)
	if err == nil {
		return existing, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("idempotency lookup: %w", err)
}

// resolveAttachments decodes inline content and fetches remote paths.
func (s *Sender) resolveAttachments(ctx context.Context, atts []domain.SendAttachment) ([]mailparse.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	out := make([]mailparse.Attachment, 0, len(atts))
	for _, a := range atts {
		content, contentType, err := s.attachmentContent(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", a.Filename, err)
		}
		filename := a.Filename
		meta := domain.AttachmentMeta{
			Filename:           &filename,
			ContentType:        contentType,
			Size:               len(content),
			ContentID:          a.ContentID,
			ContentDisposition: "attachment",
		}
		if a.ContentID != nil && *a.ContentID != "" {
			meta.ContentDisposition = "inline"
		}
		out = append(out, mailparse.Attachment{Meta: meta, Content: content})
	}
	return out, nil
}

func (s *Sender) attachmentContent(ctx context.Context, a domain.SendAttachment) ([]byte, string, error) {
	contentType := "application/octet-stream"
	if a.ContentType != nil && *a.ContentType != "" {
		contentType = *a.ContentType
	}
	switch {
	case a.Content != nil && *a.Content != "":
		b, err := base64.StdEncoding.DecodeString(*a.Content)
		if err != nil {
			return nil, "", fmt.Errorf("content is not valid base64: %w", domain.ErrInvalid)
		}
		return b, contentType, nil
	case a.Path != nil && *a.Path != "":
		return s.fetchAttachment(ctx, *a.Path, contentType)
	}
	return nil, "", fmt.Errorf("attachment needs content or path: %w", domain.ErrInvalid)
}

func (s *Sender) fetchAttachment(ctx context.Context, url, fallbackType string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, attachmentFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build attachment request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	if len(body) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes: %w", maxAttachmentBytes, domain.ErrInvalid)
	}

	contentType := fallbackType
	if got := resp.Header.Get("Content-Type"); got != "" && fallbackType == "application/octet-stream" {
		contentType = got
	}
	return body, contentType, nil
}

// protectedHeaders are set by the builder from request fields; caller
// values for them are dropped rather than letting them corrupt the
// message. A caller Message-ID is honored separately.
var protectedHeaders = map[string]struct{}{
	"from": {}, "to": {}, "cc": {}, "bcc": {}, "reply-to": {},
	"subject": {}, "date": {}, "message-id": {}, "in-reply-to": {},
	"references": {}, "mime-version": {}, "content-type": {},
	"content-transfer-encoding": {},
}

func customHeaders(h map[string]string) map[string]string {
	var out map[string]string
	for k, v := range h {
		if _, protected := protectedHeaders[strings.ToLower(k)]; protected {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = v
	}
	return out
}

// userMessageID returns the caller-supplied Message-ID as a bare token.
func userMessageID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "Message-ID") {
			return mailparse.NormalizeMessageID(v)
		}
	}
	return ""
}

func mintMessageID(fromDomain string) string {
	return uuid.New().String() + "@" + fromDomain
}

// splitFrom parses the sender into display name and lowercased address.
func splitFrom(from string) (name, address string, err error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", "", fmt.Errorf("invalid from address %q: %w", from, domain.ErrInvalid)
	}
	return addr.Name, strings.ToLower(addr.Address), nil
}

func headerFrom(name, address string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

func checkBody(text, html *string) error {
	if (text == nil || *text == "") && (html == nil || *html == "") {
		return fmt.Errorf("either text or html body is required: %w", domain.ErrInvalid)
	}
	return nil
}

// checkRecipients accepts both bare addresses and "Name <addr>" forms.
func checkRecipients(lists ...[]string) error {
	total := 0
	for _, list := range lists {
		total += len(list)
		for _, a := range list {
			if _, err := mail.ParseAddress(a); err != nil {
				return fmt.Errorf("recipient %q is not a valid address: %w", a, domain.ErrInvalid)
			}
		}
	}
	if total > maxRecipients {
		return fmt.Errorf("message has %d recipients, limit is %d: %w", total, maxRecipients, domain.ErrInvalid)
	}
	return nil
}

// envelopeRecipients flattens all destinations for the raw send envelope;
// Bcc never appears in the headers so it must travel here.
func envelopeRecipients(to, cc, bcc []string) []string {
	out := make([]string, 0, len(to)+len(cc)+len(bcc))
	out = append(out, to...)
	out = append(out, cc...)
	out = append(out, bcc...)
	return out
}

func tagMap(tags []domain.EmailTag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Name] = t.Value
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func includeOriginal(flag *bool) bool {
	return flag == nil || *flag
}

// originMessageID returns the origin's message id as a bare token.
func originMessageID(parsed *domain.StructuredEmail) string {
	if parsed == nil || parsed.MessageID == nil {
		return ""
	}
	return mailparse.NormalizeMessageID(*parsed.MessageID)
}

// replyReferences extends the origin's reference chain with the origin
// itself, per RFC 5322 threading.
func replyReferences(parsed *domain.StructuredEmail, originToken string) []string {
	var refs []string
	if parsed != nil {
		for _, r := range parsed.References {
			if t := mailparse.NormalizeMessageID(r); t != "" {
				refs = append(refs, t)
			}
		}
	}
	if originToken != "" && (len(refs) == 0 || refs[len(refs)-1] != originToken) {
		refs = append(refs, originToken)
	}
	return refs
}

// originalSender extracts the address replies should default to.
func originalSender(email *domain.ReceivedEmail, parsed *domain.StructuredEmail) string {
	if parsed != nil && parsed.From != nil && len(parsed.From.Addresses) > 0 {
		return parsed.From.Addresses[0].Address
	}
	if addr, err := mail.ParseAddress(email.FromText); err == nil {
		return addr.Address
	}
	return ""
}

