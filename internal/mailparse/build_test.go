package mailparse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

func strp(s string) *string { return &s }

func TestBuildRawRoundTrip(t *testing.T) {
	raw, err := BuildRaw(&RawMessage{
		From:       "Support <support@acme.dev>",
		To:         []string{"alice@example.com", "bob@example.com"},
		Cc:         []string{"cc@example.com"},
		ReplyTo:    []string{"alice@customer.test"},
		Subject:    "Re: Quarterly numbers",
		MessageID:  "reply-1@acme.dev",
		InReplyTo:  "root-123@example.com",
		References: []string{"thread-0@example.com", "root-123@example.com"},
		Date:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		TextBody:   "Thanks, received.",
		HTMLBody:   "<p>Thanks, received.</p>",
	})
	require.NoError(t, err)

	p := Parse(raw)
	require.True(t, p.ParseSuccess, "parse error: %v", p.ParseError)

	require.NotNil(t, p.Subject)
	assert.Equal(t, "Re: Quarterly numbers", *p.Subject)

	require.NotNil(t, p.MessageID)
	assert.Equal(t, "reply-1@acme.dev", *p.MessageID)
	require.NotNil(t, p.InReplyTo)
	assert.Equal(t, "root-123@example.com", *p.InReplyTo)
	assert.Equal(t, []string{"thread-0@example.com", "root-123@example.com"}, p.References)

	require.NotNil(t, p.From)
	require.Len(t, p.From.Addresses, 1)
	assert.Equal(t, "support@acme.dev", p.From.Addresses[0].Address)
	require.NotNil(t, p.To)
	assert.Len(t, p.To.Addresses, 2)
	require.NotNil(t, p.ReplyTo)
	assert.Equal(t, "alice@customer.test", p.ReplyTo.Addresses[0].Address)

	require.True(t, p.HasTextBody)
	assert.Equal(t, "Thanks, received.", strings.TrimRight(*p.TextBody, "\r\n"))
	require.True(t, p.HasHTMLBody)
	assert.Contains(t, *p.HTMLBody, "<p>Thanks, received.</p>")
	assert.False(t, p.HasAttachments)

	require.NotNil(t, p.Date)
	assert.Equal(t, 12, p.Date.UTC().Hour())
}

func TestBuildRawWithAttachment(t *testing.T) {
	content := []byte("%PDF-1.4 fake body for size")
	raw, err := BuildRaw(&RawMessage{
		From:     "support@acme.dev",
		To:       []string{"alice@example.com"},
		Subject:  "Invoice",
		TextBody: "Attached.",
		Attachments: []Attachment{{
			Meta: domain.AttachmentMeta{
				Filename:    strp("invoice.pdf"),
				ContentType: "application/pdf",
			},
			Content: content,
		}},
	})
	require.NoError(t, err)

	p := Parse(raw)
	require.True(t, p.ParseSuccess, "parse error: %v", p.ParseError)
	require.True(t, p.HasAttachments)
	require.Len(t, p.Attachments, 1)
	require.NotNil(t, p.Attachments[0].Filename)
	assert.Equal(t, "invoice.pdf", *p.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", p.Attachments[0].ContentType)
	assert.Equal(t, len(content), p.Attachments[0].Size)

	extracted, err := ExtractAttachments(raw)
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, content, extracted[0].Content)
}

func TestBuildRawEncodedSubject(t *testing.T) {
	raw, err := BuildRaw(&RawMessage{
		From:     "support@acme.dev",
		To:       []string{"alice@example.com"},
		Subject:  "Résultats été",
		TextBody: "voilà",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(raw[:200]), "Résultats", "non-ASCII subject must be RFC 2047 encoded")

	p := Parse(raw)
	require.NotNil(t, p.Subject)
	assert.Equal(t, "Résultats été", *p.Subject)
}

func TestBuildRawRequiresEnvelope(t *testing.T) {
	_, err := BuildRaw(&RawMessage{To: []string{"a@b.test"}})
	assert.Error(t, err)

	_, err = BuildRaw(&RawMessage{From: "a@b.test"})
	assert.Error(t, err)
}

func TestBuildRawExtraHeadersSorted(t *testing.T) {
	m := &RawMessage{
		From:     "support@acme.dev",
		To:       []string{"alice@example.com"},
		Subject:  "x",
		TextBody: "x",
		Date:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		ExtraHeaders: map[string]string{
			"x-campaign": "c1",
			"x-batch":    "b1",
		},
	}
	first, err := BuildRaw(m)
	require.NoError(t, err)

	header := string(first[:strings.Index(string(first), "\r\n\r\n")])
	assert.Contains(t, header, "X-Campaign: c1")
	assert.Contains(t, header, "X-Batch: b1")
	assert.Less(t, strings.Index(header, "X-Batch"), strings.Index(header, "X-Campaign"))
}