package outbound_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/entitlement"
	"github.com/inboundemail/inbound-sub004/internal/mailparse"
	"github.com/inboundemail/inbound-sub004/internal/outbound"
	"github.com/inboundemail/inbound-sub004/internal/sesmail"
)

type memSent struct {
	mu    sync.Mutex
	rows  map[string]*domain.SentEmail
	byKey map[string]string
	seq   int
}

func newMemSent() *memSent {
	return &memSent{rows: map[string]*domain.SentEmail{}, byKey: map[string]string{}}
}

func (m *memSent) Create(ctx context.Context, rec *domain.SentEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key string
	if rec.IdempotencyKey != nil && *rec.IdempotencyKey != "" {
		key = rec.UserID + "|" + *rec.IdempotencyKey
		if _, dup := m.byKey[key]; dup {
			return "", domain.ErrConflict
		}
	}
	m.seq++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("sent-%d", m.seq)
	}
	cp := *rec
	m.rows[rec.ID] = &cp
	if key != "" {
		m.byKey[key] = rec.ID
	}
	return rec.ID, nil
}

func (m *memSent) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.SentEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[userID+"|"+key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.rows[id]
	return &cp, nil
}

func (m *memSent) MarkSent(ctx context.Context, id, providerMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	row.Status = domain.SendSent
	row.ProviderMessageID = &providerMessageID
	row.SentAt = &now
	return nil
}

func (m *memSent) MarkFailed(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	row.Status = domain.SendFailed
	row.FailureReason = &reason
	return nil
}

func (m *memSent) get(t *testing.T, id string) *domain.SentEmail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		t.Fatalf("no sent row %s", id)
	}
	cp := *row
	return &cp
}

func (m *memSent) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memScheduled struct {
	mu    sync.Mutex
	rows  map[string]*domain.ScheduledEmail
	byKey map[string]string
	seq   int
}

func newMemScheduled() *memScheduled {
	return &memScheduled{rows: map[string]*domain.ScheduledEmail{}, byKey: map[string]string{}}
}

func (m *memScheduled) Create(ctx context.Context, rec *domain.ScheduledEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var key string
	if rec.IdempotencyKey != nil && *rec.IdempotencyKey != "" {
		key = rec.UserID + "|" + *rec.IdempotencyKey
		if _, dup := m.byKey[key]; dup {
			return "", domain.ErrConflict
		}
	}
	m.seq++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("scheduled-%d", m.seq)
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = 3
	}
	cp := *rec
	m.rows[rec.ID] = &cp
	if key != "" {
		m.byKey[key] = rec.ID
	}
	return rec.ID, nil
}

func (m *memScheduled) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[userID+"|"+key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.rows[id]
	return &cp, nil
}

type fakeSenderDomains struct {
	byName map[string]*domain.EmailDomain
}

func (f *fakeSenderDomains) GetByName(ctx context.Context, name string) (*domain.EmailDomain, error) {
	if d, ok := f.byName[name]; ok {
		return d, nil
	}
	return nil, domain.ErrNotFound
}

type fakeEmailStore struct {
	byID map[string]*domain.ReceivedEmail
}

func (f *fakeEmailStore) Get(ctx context.Context, userID, id string) (*domain.ReceivedEmail, error) {
	e, ok := f.byID[id]
	if !ok || e.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

type fakeParsedStore struct {
	byEmailID map[string]*domain.StructuredEmail
}

func (f *fakeParsedStore) GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error) {
	p, ok := f.byEmailID[emailID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

type rawSend struct {
	from       string
	recipients []string
	raw        []byte
}

type fakeMailer struct {
	mu     sync.Mutex
	simple []*sesmail.OutgoingMessage
	raw    []rawSend
	err    error
}

func (f *fakeMailer) SendSimple(ctx context.Context, msg *sesmail.OutgoingMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.simple = append(f.simple, msg)
	return fmt.Sprintf("provider-%d", len(f.simple)+len(f.raw)), nil
}

func (f *fakeMailer) SendRaw(ctx context.Context, from string, recipients []string, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.raw = append(f.raw, rawSend{from: from, recipients: recipients, raw: raw})
	return fmt.Sprintf("provider-%d", len(f.simple)+len(f.raw)), nil
}

func (f *fakeMailer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.simple) + len(f.raw)
}

type fakeQuota struct {
	mu        sync.Mutex
	allow     bool
	unlimited bool
	reason    string
	checks    []string
	tracks    []string
}

func (f *fakeQuota) Check(ctx context.Context, userID, feature string) entitlement.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, userID+"|"+feature)
	if !f.allow {
		return entitlement.Decision{Allowed: false, Reason: f.reason}
	}
	return entitlement.Decision{Allowed: true, Unlimited: f.unlimited}
}

func (f *fakeQuota) Track(ctx context.Context, userID, feature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, userID+"|"+feature)
	return nil
}

type senderEnv struct {
	sent      *memSent
	scheduled *memScheduled
	domains   *fakeSenderDomains
	emails    *fakeEmailStore
	parsed    *fakeParsedStore
	mailer    *fakeMailer
	quota     *fakeQuota
	sender    *outbound.Sender
}

func newSenderEnv() *senderEnv {
	env := &senderEnv{
		sent:      newMemSent(),
		scheduled: newMemScheduled(),
		domains:   &fakeSenderDomains{byName: map[string]*domain.EmailDomain{}},
		emails:    &fakeEmailStore{byID: map[string]*domain.ReceivedEmail{}},
		parsed:    &fakeParsedStore{byEmailID: map[string]*domain.StructuredEmail{}},
		mailer:    &fakeMailer{},
		quota:     &fakeQuota{allow: true},
	}
	env.sender = outbound.NewSender(
		env.sent, env.scheduled, env.domains, env.emails, env.parsed,
		env.mailer, env.quota,
		config.InboundConfig{AgentAddress: "agent@inbound.test"},
	)
	return env
}

func (e *senderEnv) ownVerifiedDomain(userID, name string) {
	e.domains.byName[name] = &domain.EmailDomain{
		ID:     "dom-" + name,
		UserID: userID,
		Domain: name,
		Status: domain.DomainVerified,
	}
}

// seedInbound installs an inbound email with its parsed form, to reply to.
func (e *senderEnv) seedInbound(userID string) *domain.ReceivedEmail {
	email := &domain.ReceivedEmail{
		ID:         "email-1",
		UserID:     userID,
		Recipient:  "sales@acme.test",
		MessageID:  "ses-msg-1",
		Subject:    "Pricing",
		FromText:   "Alice Example <alice@sender.test>",
		ReceivedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	name := "Alice Example"
	parsed := &domain.StructuredEmail{
		ID:      "structured-1",
		EmailID: email.ID,
		UserID:  userID,
		From: &domain.AddressGroup{
			Text:      "Alice Example <alice@sender.test>",
			Addresses: []domain.MailAddress{{Name: &name, Address: "alice@sender.test"}},
		},
		MessageID:    strp("m1@sender.test"),
		Subject:      strp("Pricing"),
		Date:         timep(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		TextBody:     strp("original text"),
		HTMLBody:     strp("<p>original html</p>"),
		ParseSuccess: true,
	}
	e.emails.byID[email.ID] = email
	e.parsed.byEmailID[email.ID] = parsed
	return email
}

func strp(s string) *string        { return &s }
func timep(t time.Time) *time.Time { return &t }
func boolp(b bool) *bool           { return &b }

func TestSendSimplePath(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	rec, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("plain words"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(env.mailer.simple) != 1 || len(env.mailer.raw) != 0 {
		t.Fatalf("simple=%d raw=%d, want the structured path", len(env.mailer.simple), len(env.mailer.raw))
	}
	msg := env.mailer.simple[0]
	if msg.From != "sender@acme.test" || msg.Subject != "Hello" || msg.TextBody != "plain words" {
		t.Errorf("unexpected outgoing message %+v", msg)
	}

	if rec.Status != domain.SendSent {
		t.Errorf("Status = %s, want sent", rec.Status)
	}
	if rec.ProviderMessageID == nil || *rec.ProviderMessageID == "" {
		t.Error("ProviderMessageID not recorded")
	}
	if rec.SentAt == nil {
		t.Error("SentAt not recorded")
	}
	if rec.MessageID != "" {
		t.Errorf("MessageID = %q, simple sends leave it to the provider", rec.MessageID)
	}
	if rec.FromDomain != "acme.test" {
		t.Errorf("FromDomain = %q", rec.FromDomain)
	}

	stored := env.sent.get(t, rec.ID)
	if stored.Status != domain.SendSent {
		t.Errorf("stored status = %s, want sent", stored.Status)
	}
	if got := env.quota.checks; len(got) != 1 || got[0] != "u1|emails_sent" {
		t.Errorf("quota checks = %v", got)
	}
	if got := env.quota.tracks; len(got) != 1 || got[0] != "u1|emails_sent" {
		t.Errorf("quota tracks = %v", got)
	}
}

func TestSendDisplayNameBuildsRaw(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	rec, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "Ann Smith <ann@acme.test>",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("plain words"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(env.mailer.raw) != 1 || len(env.mailer.simple) != 0 {
		t.Fatalf("raw=%d simple=%d, want the raw path", len(env.mailer.raw), len(env.mailer.simple))
	}
	sent := env.mailer.raw[0]
	if sent.from != "ann@acme.test" {
		t.Errorf("envelope from = %q", sent.from)
	}

	parsed := mailparse.Parse(sent.raw)
	if parsed.From == nil || !strings.Contains(parsed.From.Text, "Ann Smith") {
		t.Errorf("From header lost the display name: %+v", parsed.From)
	}
	if parsed.MessageID == nil || *parsed.MessageID != rec.MessageID {
		t.Errorf("wire Message-ID = %v, record has %q", parsed.MessageID, rec.MessageID)
	}
	if !strings.HasSuffix(rec.MessageID, "@acme.test") {
		t.Errorf("MessageID = %q, want one minted under the sender domain", rec.MessageID)
	}
}

func TestSendUnownedDomainForbidden(t *testing.T) {
	env := newSenderEnv()

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@stranger.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if env.mailer.calls() != 0 {
		t.Error("mailer called despite forbidden sender")
	}
	if env.sent.count() != 0 {
		t.Error("record persisted despite forbidden sender")
	}
}

func TestSendUnverifiedDomainForbidden(t *testing.T) {
	env := newSenderEnv()
	env.domains.byName["acme.test"] = &domain.EmailDomain{
		ID: "dom-1", UserID: "u1", Domain: "acme.test", Status: domain.DomainPending,
	}

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestSendOtherUsersDomainForbidden(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("someone-else", "acme.test")

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestSendAgentAddressBypassesOwnership(t *testing.T) {
	env := newSenderEnv()

	rec, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "Agent@Inbound.Test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.Status != domain.SendSent {
		t.Errorf("Status = %s, want sent", rec.Status)
	}
}

func TestSendQuotaDenied(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	env.quota.allow = false
	env.quota.reason = "quota exceeded for emails_sent"

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if env.mailer.calls() != 0 {
		t.Error("mailer called despite quota denial")
	}
	if env.sent.count() != 0 {
		t.Error("record persisted despite quota denial")
	}
}

func TestSendIdempotencyKeyReturnsExisting(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	req := &outbound.SendRequest{
		From:           "sender@acme.test",
		To:             []string{"bob@example.com"},
		Subject:        "Hello",
		TextBody:       strp("hi"),
		IdempotencyKey: strp("key-1"),
	}
	first, err := env.sender.Send(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := env.sender.Send(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second id = %s, want the original %s", second.ID, first.ID)
	}
	if env.mailer.calls() != 1 {
		t.Errorf("mailer calls = %d, want 1", env.mailer.calls())
	}
	if len(env.quota.checks) != 1 {
		t.Errorf("quota checks = %d, replay must not re-check", len(env.quota.checks))
	}
}

func TestSendMailerFailureMarksFailed(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	env.mailer.err = errors.New("throttled by provider")

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if err == nil || !strings.Contains(err.Error(), "throttled") {
		t.Fatalf("err = %v, want the provider failure", err)
	}

	if env.sent.count() != 1 {
		t.Fatalf("rows = %d, want the failed record kept", env.sent.count())
	}
	stored := env.sent.get(t, "sent-1")
	if stored.Status != domain.SendFailed {
		t.Errorf("stored status = %s, want failed", stored.Status)
	}
	if stored.FailureReason == nil || !strings.Contains(*stored.FailureReason, "throttled") {
		t.Errorf("FailureReason = %v", stored.FailureReason)
	}
	if len(env.quota.tracks) != 0 {
		t.Error("quota tracked despite failed send")
	}
}

func TestSendUnlimitedSkipsTracking(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	env.quota.unlimited = true

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(env.quota.tracks) != 0 {
		t.Errorf("quota tracks = %v, unlimited plans are not metered", env.quota.tracks)
	}
}

func TestSendRequiresBody(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:    "sender@acme.test",
		To:      []string{"bob@example.com"},
		Subject: "Hello",
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSendRejectsBadRecipient(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"not-an-address"},
		Subject:  "Hello",
		TextBody: strp("hi"),
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSendHonorsUserMessageID(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	rec, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
		Headers:  map[string]string{"message-id": "<custom-123@acme.test>"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.MessageID != "custom-123@acme.test" {
		t.Errorf("MessageID = %q, want the caller's token", rec.MessageID)
	}

	if len(env.mailer.raw) != 1 {
		t.Fatal("custom headers must force the raw path")
	}
	parsed := mailparse.Parse(env.mailer.raw[0].raw)
	if parsed.MessageID == nil || *parsed.MessageID != "custom-123@acme.test" {
		t.Errorf("wire Message-ID = %v", parsed.MessageID)
	}
	if got := parsed.Headers["Message-Id"]; len(got) > 1 {
		t.Errorf("Message-Id emitted %d times", len(got))
	}
}

func TestSendCustomHeadersCannotOverrideEnvelope(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
		Headers: map[string]string{
			"X-Campaign": "spring-1",
			"From":       "spoof@evil.test",
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	parsed := mailparse.Parse(env.mailer.raw[0].raw)
	if got := parsed.Headers["X-Campaign"]; len(got) != 1 || got[0] != "spring-1" {
		t.Errorf("X-Campaign = %v", got)
	}
	if parsed.From == nil || len(parsed.From.Addresses) != 1 || parsed.From.Addresses[0].Address != "sender@acme.test" {
		t.Errorf("From header spoofed: %+v", parsed.From)
	}
}

func TestSendAttachmentBase64(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	content := []byte("%PDF-1.4 fake quote body")
	rec, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Quote attached",
		TextBody: strp("see attachment"),
		Attachments: []domain.SendAttachment{{
			Filename:    "quote.pdf",
			Content:     strp(base64.StdEncoding.EncodeToString(content)),
			ContentType: strp("application/pdf"),
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(rec.Attachments) != 1 {
		t.Errorf("record attachments = %d", len(rec.Attachments))
	}

	files, err := mailparse.ExtractAttachments(env.mailer.raw[0].raw)
	if err != nil {
		t.Fatalf("ExtractAttachments: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("attachments on the wire = %d, want 1", len(files))
	}
	if files[0].Meta.Filename == nil || *files[0].Meta.Filename != "quote.pdf" {
		t.Errorf("filename = %v", files[0].Meta.Filename)
	}
	if string(files[0].Content) != string(content) {
		t.Error("attachment content mangled in transit")
	}
}

func TestSendAttachmentBadBase64Rejected(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
		Attachments: []domain.SendAttachment{{
			Filename: "bad.bin",
			Content:  strp("not!!base64"),
		}},
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if env.sent.count() != 0 {
		t.Error("record persisted despite invalid attachment")
	}
}

func TestSendAttachmentFetchedFromPath(t *testing.T) {
	content := []byte("remote file bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(content)
	}))
	defer server.Close()

	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	env.sender.SetHTTPClient(server.Client())

	_, err := env.sender.Send(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Hello",
		TextBody: strp("hi"),
		Attachments: []domain.SendAttachment{{
			Filename: "remote.pdf",
			Path:     strp(server.URL),
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	files, err := mailparse.ExtractAttachments(env.mailer.raw[0].raw)
	if err != nil {
		t.Fatalf("ExtractAttachments: %v", err)
	}
	if len(files) != 1 || string(files[0].Content) != string(content) {
		t.Fatalf("remote attachment not carried: %d files", len(files))
	}
	if files[0].Meta.ContentType != "application/pdf" {
		t.Errorf("content type = %q, want the server's", files[0].Meta.ContentType)
	}
}

func TestReplyThreadsAndQuotes(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	email := env.seedInbound("u1")

	rec, err := env.sender.Reply(context.Background(), "u1", email.ID, &outbound.ReplyRequest{
		From:     "support@acme.test",
		TextBody: strp("Thanks for reaching out!"),
		HTMLBody: strp("<p>Thanks for reaching out!</p>"),
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	if rec.RepliedToEmailID == nil || *rec.RepliedToEmailID != email.ID {
		t.Errorf("RepliedToEmailID = %v", rec.RepliedToEmailID)
	}
	if rec.InReplyTo == nil || *rec.InReplyTo != "m1@sender.test" {
		t.Errorf("InReplyTo = %v", rec.InReplyTo)
	}
	if rec.Subject != "Re: Pricing" {
		t.Errorf("Subject = %q", rec.Subject)
	}

	if len(env.mailer.raw) != 1 {
		t.Fatal("reply must go through the raw path")
	}
	sent := env.mailer.raw[0]
	if len(sent.recipients) != 1 || sent.recipients[0] != "alice@sender.test" {
		t.Errorf("recipients = %v, want the original sender", sent.recipients)
	}

	parsed := mailparse.Parse(sent.raw)
	if parsed.InReplyTo == nil || *parsed.InReplyTo != "m1@sender.test" {
		t.Errorf("wire In-Reply-To = %v", parsed.InReplyTo)
	}
	if len(parsed.References) != 1 || parsed.References[0] != "m1@sender.test" {
		t.Errorf("wire References = %v", parsed.References)
	}
	if parsed.TextBody == nil || !strings.Contains(*parsed.TextBody, "> original text") {
		t.Errorf("text body missing quoted original: %v", parsed.TextBody)
	}
	if parsed.HTMLBody == nil || !strings.Contains(*parsed.HTMLBody, "<blockquote") ||
		!strings.Contains(*parsed.HTMLBody, "original html") {
		t.Errorf("html body missing blockquote: %v", parsed.HTMLBody)
	}
	if !strings.Contains(*parsed.TextBody, "wrote:") {
		t.Errorf("text body missing attribution line: %q", *parsed.TextBody)
	}
}

func TestReplyWithoutQuoting(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	email := env.seedInbound("u1")

	_, err := env.sender.Reply(context.Background(), "u1", email.ID, &outbound.ReplyRequest{
		From:            "support@acme.test",
		TextBody:        strp("Short answer."),
		HTMLBody:        strp("<p>Short answer.</p>"),
		IncludeOriginal: boolp(false),
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	parsed := mailparse.Parse(env.mailer.raw[0].raw)
	if strings.Contains(*parsed.TextBody, ">") {
		t.Errorf("text quoted despite include_original=false: %q", *parsed.TextBody)
	}
	if strings.Contains(*parsed.HTMLBody, "<blockquote") {
		t.Errorf("html quoted despite include_original=false: %q", *parsed.HTMLBody)
	}
	if parsed.InReplyTo == nil || *parsed.InReplyTo != "m1@sender.test" {
		t.Error("threading headers must survive include_original=false")
	}
}

func TestReplyReferencesChain(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	email := env.seedInbound("u1")
	origin := env.parsed.byEmailID[email.ID]
	origin.MessageID = strp("m3@sender.test")
	origin.References = []string{"<m1@sender.test>", "m2@sender.test"}

	rec, err := env.sender.Reply(context.Background(), "u1", email.ID, &outbound.ReplyRequest{
		From:     "support@acme.test",
		TextBody: strp("continuing the thread"),
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	want := []string{"m1@sender.test", "m2@sender.test", "m3@sender.test"}
	if len(rec.References) != len(want) {
		t.Fatalf("References = %v, want %v", rec.References, want)
	}
	for i := range want {
		if rec.References[i] != want[i] {
			t.Fatalf("References = %v, want %v", rec.References, want)
		}
	}
	if rec.InReplyTo == nil || *rec.InReplyTo != "m3@sender.test" {
		t.Errorf("InReplyTo = %v", rec.InReplyTo)
	}
}

func TestReplyExplicitRecipientsAndSubject(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	email := env.seedInbound("u1")

	rec, err := env.sender.Reply(context.Background(), "u1", email.ID, &outbound.ReplyRequest{
		From:     "support@acme.test",
		To:       []string{"carol@other.test"},
		Subject:  strp("Custom subject"),
		TextBody: strp("forwarding internally"),
	})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if rec.Subject != "Custom subject" {
		t.Errorf("Subject = %q", rec.Subject)
	}
	if len(rec.To) != 1 || rec.To[0] != "carol@other.test" {
		t.Errorf("To = %v", rec.To)
	}
}

func TestReplyUnknownEmailNotFound(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	_, err := env.sender.Reply(context.Background(), "u1", "missing", &outbound.ReplyRequest{
		From:     "support@acme.test",
		TextBody: strp("hello?"),
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReplyOtherUsersEmailNotFound(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u2", "acme.test")
	email := env.seedInbound("u1")

	_, err := env.sender.Reply(context.Background(), "u2", email.ID, &outbound.ReplyRequest{
		From:     "support@acme.test",
		TextBody: strp("not yours"),
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestScheduleCreatesRow(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	at := time.Now().Add(2 * time.Hour)

	m, err := env.sender.Schedule(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Later",
		TextBody: strp("see you then"),
	}, at, "")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if m.Status != domain.ScheduleScheduled {
		t.Errorf("Status = %s", m.Status)
	}
	if m.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want the UTC default", m.Timezone)
	}
	if !m.ScheduledAt.Equal(at.UTC()) {
		t.Errorf("ScheduledAt = %v, want %v", m.ScheduledAt, at.UTC())
	}
	if env.mailer.calls() != 0 {
		t.Error("scheduling must not dispatch")
	}
	if len(env.quota.checks) != 0 {
		t.Error("quota is checked at send time, not schedule time")
	}
}

func TestSchedulePastTimeRejected(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	_, err := env.sender.Schedule(context.Background(), "u1", &outbound.SendRequest{
		From:     "sender@acme.test",
		To:       []string{"bob@example.com"},
		Subject:  "Too late",
		TextBody: strp("oops"),
	}, time.Now().Add(-time.Minute), "UTC")
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestScheduleIdempotency(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")
	at := time.Now().Add(time.Hour)

	req := &outbound.SendRequest{
		From:           "sender@acme.test",
		To:             []string{"bob@example.com"},
		Subject:        "Later",
		TextBody:       strp("see you then"),
		IdempotencyKey: strp("sched-key"),
	}
	first, err := env.sender.Schedule(context.Background(), "u1", req, at, "UTC")
	if err != nil {
		t.Fatalf("first Schedule: %v", err)
	}
	second, err := env.sender.Schedule(context.Background(), "u1", req, at, "UTC")
	if err != nil {
		t.Fatalf("second Schedule: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second id = %s, want %s", second.ID, first.ID)
	}
	if len(env.scheduled.rows) != 1 {
		t.Errorf("rows = %d, want 1", len(env.scheduled.rows))
	}
}

func TestSendScheduledUsesAttemptScopedKey(t *testing.T) {
	env := newSenderEnv()
	env.ownVerifiedDomain("u1", "acme.test")

	m := &domain.ScheduledEmail{
		ID:       "sch-1",
		UserID:   "u1",
		FromText: "Ann Smith <ann@acme.test>",
		To:       []string{"bob@example.com"},
		Subject:  "Queued",
		TextBody: strp("queued body"),
		Attempts: 1,
	}
	rec, err := env.sender.SendScheduled(context.Background(), m)
	if err != nil {
		t.Fatalf("SendScheduled: %v", err)
	}
	if rec.IdempotencyKey == nil || *rec.IdempotencyKey != "scheduled:sch-1:1" {
		t.Errorf("IdempotencyKey = %v", rec.IdempotencyKey)
	}

	// A second run of the same attempt is a replay, not a resend.
	again, err := env.sender.SendScheduled(context.Background(), m)
	if err != nil {
		t.Fatalf("replayed SendScheduled: %v", err)
	}
	if again.ID != rec.ID {
		t.Errorf("replay id = %s, want %s", again.ID, rec.ID)
	}
	if env.mailer.calls() != 1 {
		t.Errorf("mailer calls = %d, want 1", env.mailer.calls())
	}

	// The next attempt gets a fresh key and really retries.
	m.Attempts = 2
	retry, err := env.sender.SendScheduled(context.Background(), m)
	if err != nil {
		t.Fatalf("retry SendScheduled: %v", err)
	}
	if retry.ID == rec.ID {
		t.Error("retry reused the previous record")
	}
	if env.mailer.calls() != 2 {
		t.Errorf("mailer calls = %d, want 2", env.mailer.calls())
	}
}
