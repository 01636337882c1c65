// Package mailparse decodes raw RFC 5322 messages into the structured form
// the routing pipeline and webhook payloads consume. Parsing never fails
// outright: structural errors mark the result unparsed and keep whatever
// fields were extracted before the failure.
package mailparse

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// Parse decodes a raw message. The caller owns identity fields (ID, EmailID,
// SESEventID, UserID); everything content-derived is filled in here. The same
// input always produces the same output.
func Parse(raw []byte) *domain.StructuredEmail {
	p := &domain.StructuredEmail{ParseSuccess: true}
	rawContent := string(raw)
	p.RawContent = &rawContent

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		fail(p, fmt.Errorf("read message: %w", err))
		return p
	}

	p.Headers = map[string][]string(msg.Header)

	if subject := decodeHeader(msg.Header.Get("Subject")); subject != "" {
		p.Subject = &subject
	}

	p.From = parseAddressGroup(msg.Header.Get("From"))
	p.To = parseAddressGroup(msg.Header.Get("To"))
	p.Cc = parseAddressGroup(msg.Header.Get("Cc"))
	p.Bcc = parseAddressGroup(msg.Header.Get("Bcc"))
	p.ReplyTo = parseAddressGroup(msg.Header.Get("Reply-To"))

	if id := NormalizeMessageID(msg.Header.Get("Message-Id")); id != "" {
		p.MessageID = &id
	}
	if ids := ParseMessageIDList(msg.Header.Get("In-Reply-To")); len(ids) > 0 {
		p.InReplyTo = &ids[0]
	}
	p.References = ParseMessageIDList(msg.Header.Get("References"))

	if dateStr := msg.Header.Get("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			utc := t.UTC()
			p.Date = &utc
		}
	}

	p.Priority = parsePriority(msg.Header)

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		fail(p, fmt.Errorf("read body: %w", err))
		return p
	}

	acc := &bodyAccum{}
	walkErr := walkBody(msg.Header.Get("Content-Type"),
		msg.Header.Get("Content-Transfer-Encoding"),
		msg.Header.Get("Content-Disposition"),
		msg.Header.Get("Content-Id"), body, acc)

	if acc.text != "" {
		text := acc.text
		p.TextBody = &text
		p.HasTextBody = true
	}
	if acc.html != "" {
		html := acc.html
		p.HTMLBody = &html
		p.HasHTMLBody = true
	}
	p.Attachments = acc.attachments
	p.AttachmentCount = len(acc.attachments)
	p.HasAttachments = p.AttachmentCount > 0

	if walkErr != nil {
		fail(p, fmt.Errorf("decode body: %w", walkErr))
	}
	return p
}

func fail(p *domain.StructuredEmail, err error) {
	msg := err.Error()
	p.ParseSuccess = false
	p.ParseError = &msg
}

// NormalizeMessageID strips angle brackets and surrounding whitespace from a
// message id token. Stored and compared ids are always in this bare form;
// brackets are added back only when emitting MIME headers.
func NormalizeMessageID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return strings.TrimSpace(s)
}

// ParseMessageIDList splits a References or In-Reply-To header into
// normalized message id tokens.
func ParseMessageIDList(s string) []string {
	var ids []string
	for _, field := range strings.Fields(s) {
		if id := NormalizeMessageID(field); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func parseAddressGroup(text string) *domain.AddressGroup {
	if text == "" {
		return nil
	}
	g := &domain.AddressGroup{Text: decodeHeader(text)}

	addrs, err := mail.ParseAddressList(text)
	if err != nil {
		// Salvage a bare address from malformed headers.
		trimmed := strings.TrimSpace(g.Text)
		if strings.Contains(trimmed, "@") {
			g.Addresses = []domain.MailAddress{{Address: trimmed}}
		}
		return g
	}

	for _, a := range addrs {
		ma := domain.MailAddress{Address: a.Address}
		if a.Name != "" {
			name := a.Name
			ma.Name = &name
		}
		g.Addresses = append(g.Addresses, ma)
	}
	return g
}

// parsePriority maps the X-Priority, Importance, and Priority headers onto
// high, normal, or low. Returns nil when no priority header is present.
func parsePriority(h mail.Header) *string {
	level := func(s string) *string { return &s }

	if v := strings.TrimSpace(h.Get("X-Priority")); v != "" {
		switch v[0] {
		case '1', '2':
			return level("high")
		case '4', '5':
			return level("low")
		default:
			return level("normal")
		}
	}
	if v := strings.ToLower(strings.TrimSpace(h.Get("Importance"))); v != "" {
		switch v {
		case "high":
			return level("high")
		case "low":
			return level("low")
		default:
			return level("normal")
		}
	}
	if v := strings.ToLower(strings.TrimSpace(h.Get("Priority"))); v != "" {
		switch v {
		case "urgent":
			return level("high")
		case "non-urgent":
			return level("low")
		default:
			return level("normal")
		}
	}
	return nil
}
