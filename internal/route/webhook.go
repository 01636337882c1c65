package route

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/httpretry"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// EventEmailReceived is the event name carried in webhook payloads and the
// X-Webhook-Event header.
const EventEmailReceived = "email.received"

// DeliveryStore persists dispatch attempts.
type DeliveryStore interface {
	Create(ctx context.Context, d *domain.EndpointDelivery) (string, error)
	RecordResult(ctx context.Context, id string, status domain.DeliveryStatus,
		responseCode *int, responseBody, errorMessage *string, deliveryTimeMS int64) error
}

// StatsUpdater bumps a destination's aggregate delivery counters.
type StatsUpdater interface {
	IncrementStats(ctx context.Context, id string, success bool) error
}

// Payload is the JSON document POSTed to webhook destinations.
type Payload struct {
	Event     string       `json:"event"`
	Timestamp string       `json:"timestamp"`
	Email     PayloadEmail `json:"email"`
	Endpoint  PayloadMeta  `json:"endpoint"`
}

// PayloadEmail carries the received email inside a webhook payload.
type PayloadEmail struct {
	ID             string                  `json:"id"`
	MessageID      string                  `json:"messageId"`
	From           string                  `json:"from"`
	To             []string                `json:"to"`
	Recipient      string                  `json:"recipient"`
	Subject        string                  `json:"subject"`
	ReceivedAt     string                  `json:"receivedAt"`
	ParsedData     *domain.StructuredEmail `json:"parsedData"`
	CleanedContent CleanedContent          `json:"cleanedContent"`
}

// CleanedContent is the consumer-safe rendering of the parsed body: HTML is
// sanitized, text passes through.
type CleanedContent struct {
	HTML        *string                 `json:"html"`
	Text        *string                 `json:"text"`
	HasHTML     bool                    `json:"hasHtml"`
	HasText     bool                    `json:"hasText"`
	Attachments []domain.AttachmentMeta `json:"attachments"`
	Headers     map[string][]string     `json:"headers"`
}

// PayloadMeta identifies the destination inside the payload.
type PayloadMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// TestResult is the outcome of a manual endpoint test dispatch. Test
// dispatches never write delivery rows or touch stats.
type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
	LatencyMS    int64  `json:"latencyMs"`
	Error        string `json:"error,omitempty"`
}

// WebhookExecutor signs and POSTs payloads to webhook destinations, records
// the delivery, and updates the destination's counters. Production flow is
// one synchronous attempt per email; the mailer provides at-least-once
// upstream.
type WebhookExecutor struct {
	deliveries    DeliveryStore
	endpointStats StatsUpdater
	webhookStats  StatsUpdater
	httpClient    httpretry.HTTPDoer
	userAgent     string
	sanitizer     *bluemonday.Policy
}

func NewWebhookExecutor(deliveries DeliveryStore, endpointStats, webhookStats StatsUpdater, cfg config.WebhookConfig) *WebhookExecutor {
	return &WebhookExecutor{
		deliveries:    deliveries,
		endpointStats: endpointStats,
		webhookStats:  webhookStats,
		httpClient:    &http.Client{},
		userAgent:     cfg.UserAgent,
		sanitizer:     bluemonday.UGCPolicy(),
	}
}

// SetHTTPClient swaps the transport, used in tests.
func (e *WebhookExecutor) SetHTTPClient(client httpretry.HTTPDoer) {
	e.httpClient = client
}

// Deliver dispatches the email to a webhook-type endpoint.
func (e *WebhookExecutor) Deliver(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail, ep *domain.Endpoint) error {
	cfg, err := ep.WebhookConfig()
	if err != nil {
		return err
	}
	meta := PayloadMeta{ID: ep.ID, Name: ep.Name, Type: string(ep.Type)}
	return e.deliver(ctx, email, parsed, cfg, meta, e.endpointStats)
}

// DeliverLegacy dispatches through a standalone webhook row. Stats land on
// the webhooks table instead of endpoints.
func (e *WebhookExecutor) DeliverLegacy(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail, wh *domain.Webhook) error {
	meta := PayloadMeta{ID: wh.ID, Name: wh.Name, Type: string(domain.EndpointWebhook)}
	return e.deliver(ctx, email, parsed, wh.AsEndpointConfig(), meta, e.webhookStats)
}

func (e *WebhookExecutor) deliver(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail,
	cfg *domain.WebhookEndpointConfig, meta PayloadMeta, stats StatsUpdater) error {

	body, err := json.Marshal(e.BuildPayload(email, parsed, meta))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	payloadStr := string(body)
	deliveryID, err := e.deliveries.Create(ctx, &domain.EndpointDelivery{
		EmailID:      email.ID,
		EndpointID:   meta.ID,
		DeliveryType: domain.EndpointWebhook,
		Target:       cfg.URL,
		Payload:      &payloadStr,
		Status:       domain.DeliveryPending,
	})
	if err != nil {
		return fmt.Errorf("create delivery record: %w", err)
	}

	out := e.post(ctx, cfg, email, meta, body)

	if err := e.deliveries.RecordResult(ctx, deliveryID, out.status, out.code, out.body, out.errMsg, out.latencyMS); err != nil {
		logger.Error("recording delivery result", "delivery_id", deliveryID, "error", err.Error())
	}
	if err := stats.IncrementStats(ctx, meta.ID, out.status == domain.DeliverySuccess); err != nil {
		logger.Error("updating delivery stats", "destination_id", meta.ID, "error", err.Error())
	}

	if out.errMsg != nil {
		return errors.New(*out.errMsg)
	}
	if out.status != domain.DeliverySuccess {
		return fmt.Errorf("webhook returned status %d", *out.code)
	}
	return nil
}

// TestDeliver POSTs a sample payload to the endpoint and reports the raw
// outcome without persisting anything.
func (e *WebhookExecutor) TestDeliver(ctx context.Context, ep *domain.Endpoint) (*TestResult, error) {
	cfg, err := ep.WebhookConfig()
	if err != nil {
		return nil, err
	}
	return e.testDispatch(ctx, cfg, PayloadMeta{ID: ep.ID, Name: ep.Name, Type: string(ep.Type)})
}

// TestDeliverLegacy is TestDeliver for standalone webhook rows.
func (e *WebhookExecutor) TestDeliverLegacy(ctx context.Context, wh *domain.Webhook) (*TestResult, error) {
	meta := PayloadMeta{ID: wh.ID, Name: wh.Name, Type: string(domain.EndpointWebhook)}
	return e.testDispatch(ctx, wh.AsEndpointConfig(), meta)
}

func (e *WebhookExecutor) testDispatch(ctx context.Context, cfg *domain.WebhookEndpointConfig, meta PayloadMeta) (*TestResult, error) {
	email, parsed := samplePayloadSource()
	body, err := json.Marshal(e.BuildPayload(email, parsed, meta))
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}

	out := e.post(ctx, cfg, email, meta, body)
	res := &TestResult{
		Success:   out.status == domain.DeliverySuccess,
		LatencyMS: out.latencyMS,
	}
	if out.code != nil {
		res.StatusCode = *out.code
	}
	if out.body != nil {
		res.ResponseBody = *out.body
	}
	if out.errMsg != nil {
		res.Error = *out.errMsg
	}
	return res, nil
}

// BuildPayload renders the webhook document for an email. parsed may be nil
// when the raw message never arrived; the payload then carries only the
// envelope summary.
func (e *WebhookExecutor) BuildPayload(email *domain.ReceivedEmail, parsed *domain.StructuredEmail, meta PayloadMeta) *Payload {
	p := &Payload{
		Event:     EventEmailReceived,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Endpoint:  meta,
		Email: PayloadEmail{
			ID:         email.ID,
			MessageID:  email.MessageID,
			From:       email.FromText,
			Recipient:  email.Recipient,
			Subject:    email.Subject,
			ReceivedAt: email.ReceivedAt.UTC().Format(time.RFC3339),
			ParsedData: parsed,
		},
	}

	if parsed != nil {
		cc := CleanedContent{
			Text:        parsed.TextBody,
			HasText:     parsed.HasTextBody,
			HasHTML:     parsed.HasHTMLBody,
			Attachments: parsed.Attachments,
			Headers:     parsed.Headers,
		}
		if parsed.HTMLBody != nil {
			clean := e.sanitizer.Sanitize(*parsed.HTMLBody)
			cc.HTML = &clean
		}
		p.Email.CleanedContent = cc

		if parsed.To != nil {
			for _, a := range parsed.To.Addresses {
				p.Email.To = append(p.Email.To, a.Address)
			}
		}
	}
	if len(p.Email.To) == 0 {
		p.Email.To = []string{email.Recipient}
	}
	if p.Email.CleanedContent.Attachments == nil {
		p.Email.CleanedContent.Attachments = []domain.AttachmentMeta{}
	}
	return p
}

type postOutcome struct {
	status    domain.DeliveryStatus
	code      *int
	body      *string
	errMsg    *string
	latencyMS int64
}

// post performs the single HTTP attempt. Configured headers go on first so
// the protocol headers always win.
func (e *WebhookExecutor) post(ctx context.Context, cfg *domain.WebhookEndpointConfig, email *domain.ReceivedEmail, meta PayloadMeta, body []byte) postOutcome {
	timeout := cfg.TimeoutOrDefault()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		msg := fmt.Sprintf("build request: %v", err)
		return postOutcome{status: domain.DeliveryFailed, errMsg: &msg}
	}

	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("X-Webhook-Event", EventEmailReceived)
	req.Header.Set("X-Webhook-ID", meta.ID)
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Email-ID", email.ID)
	req.Header.Set("X-Message-ID", email.MessageID)
	if cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", SignatureHeader(cfg.Secret, ts, body))
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("timeout after %s", timeout)
		}
		return postOutcome{status: domain.DeliveryFailed, errMsg: &msg, latencyMS: latency}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, domain.ResponseBodyLimit))
	respBody := domain.TruncateResponseBody(string(raw))
	code := resp.StatusCode

	out := postOutcome{code: &code, body: &respBody, latencyMS: latency}
	if code >= 200 && code < 300 {
		out.status = domain.DeliverySuccess
	} else {
		out.status = domain.DeliveryFailed
	}
	return out
}

// SignatureHeader computes the versioned signature header:
// t={timestamp},v1={hex of HMAC-SHA256(secret, "{timestamp}.{body}")}.
func SignatureHeader(secret, timestamp string, body []byte) string {
	return fmt.Sprintf("t=%s,v1=%s", timestamp, signBody(secret, timestamp, body))
}

// VerifySignature checks a signature header against the body. Both the
// versioned t=...,v1=... form and the legacy sha256=... digest over the
// body alone are accepted.
func VerifySignature(secret, header string, body []byte) bool {
	if rest, ok := strings.CutPrefix(header, "sha256="); ok {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(rest), []byte(want))
	}

	var ts, v1 string
	for _, field := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	return hmac.Equal([]byte(v1), []byte(signBody(secret, ts, body)))
}

func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// samplePayloadSource fabricates the email used by test dispatches.
func samplePayloadSource() (*domain.ReceivedEmail, *domain.StructuredEmail) {
	now := time.Now().UTC()
	id := uuid.New().String()
	email := &domain.ReceivedEmail{
		ID:         id,
		UserID:     domain.SystemUserID,
		Recipient:  "test@example.com",
		MessageID:  "test-" + id + "@example.com",
		Subject:    "Test webhook delivery",
		FromText:   "Inbound Test <test@example.com>",
		Status:     domain.EmailReceived,
		ReceivedAt: now,
	}

	text := "This is a test delivery. If you can read this, the endpoint works."
	subject := email.Subject
	messageID := email.MessageID
	parsed := &domain.StructuredEmail{
		EmailID:      email.ID,
		UserID:       email.UserID,
		MessageID:    &messageID,
		Subject:      &subject,
		Date:         &now,
		From:         &domain.AddressGroup{Text: email.FromText, Addresses: []domain.MailAddress{{Address: "test@example.com"}}},
		To:           &domain.AddressGroup{Text: email.Recipient, Addresses: []domain.MailAddress{{Address: email.Recipient}}},
		TextBody:     &text,
		HasTextBody:  true,
		ParseSuccess: true,
	}
	return email, parsed
}
