package mailparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

const simpleMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: bob@acme.dev\r\n" +
	"Subject: Quarterly numbers\r\n" +
	"Date: Mon, 02 Jun 2025 10:04:05 +0200\r\n" +
	"Message-Id: <root-123@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Numbers attached below.\r\n"

func TestParseSimpleText(t *testing.T) {
	p := Parse([]byte(simpleMessage))

	require.True(t, p.ParseSuccess)
	require.Nil(t, p.ParseError)

	require.NotNil(t, p.Subject)
	assert.Equal(t, "Quarterly numbers", *p.Subject)

	require.NotNil(t, p.From)
	require.Len(t, p.From.Addresses, 1)
	assert.Equal(t, "alice@example.com", p.From.Addresses[0].Address)
	require.NotNil(t, p.From.Addresses[0].Name)
	assert.Equal(t, "Alice Example", *p.From.Addresses[0].Name)

	require.NotNil(t, p.MessageID)
	assert.Equal(t, "root-123@example.com", *p.MessageID)

	require.NotNil(t, p.Date)
	assert.Equal(t, 8, p.Date.UTC().Hour())

	require.True(t, p.HasTextBody)
	assert.Contains(t, *p.TextBody, "Numbers attached below.")
	assert.False(t, p.HasHTMLBody)
	assert.False(t, p.HasAttachments)
}

func TestParseMultipartAlternative(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@acme.dev\r\n" +
		"Subject: Hello\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"alt42\"\r\n" +
		"\r\n" +
		"--alt42\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Caf=C3=A9 plans?\r\n" +
		"--alt42\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>Café plans?</p></body></html>\r\n" +
		"--alt42--\r\n"

	p := Parse([]byte(raw))

	require.True(t, p.ParseSuccess)
	require.True(t, p.HasTextBody)
	assert.Contains(t, *p.TextBody, "Café plans?")
	require.True(t, p.HasHTMLBody)
	assert.Contains(t, *p.HTMLBody, "<p>Café plans?</p>")
	assert.False(t, p.HasAttachments)
}

func TestParseAttachment(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@acme.dev\r\n" +
		"Subject: Invoice\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"mix99\"\r\n" +
		"\r\n" +
		"--mix99\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Invoice attached.\r\n" +
		"--mix99\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
		"Content-Id: <att-1@example.com>\r\n" +
		"\r\n" +
		"JVBERi0xLjQKJcOkw7zDtsOf\r\n" +
		"--mix99--\r\n"

	p := Parse([]byte(raw))

	require.True(t, p.ParseSuccess)
	require.True(t, p.HasAttachments)
	require.Len(t, p.Attachments, 1)

	att := p.Attachments[0]
	require.NotNil(t, att.Filename)
	assert.Equal(t, "invoice.pdf", *att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, "attachment", att.ContentDisposition)
	require.NotNil(t, att.ContentID)
	assert.Equal(t, "att-1@example.com", *att.ContentID)
	assert.Equal(t, 18, att.Size)

	require.True(t, p.HasTextBody)
	assert.Contains(t, *p.TextBody, "Invoice attached.")
}

func TestParseThreadingHeaders(t *testing.T) {
	raw := "From: bob@acme.dev\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: Re: Quarterly numbers\r\n" +
		"Message-Id: <reply-456@acme.dev>\r\n" +
		"In-Reply-To: <root-123@example.com>\r\n" +
		"References: <root-123@example.com> <mid-200@example.com>\r\n" +
		"\r\n" +
		"Looks good.\r\n"

	p := Parse([]byte(raw))

	require.True(t, p.ParseSuccess)
	require.NotNil(t, p.InReplyTo)
	assert.Equal(t, "root-123@example.com", *p.InReplyTo)
	assert.Equal(t, []string{"root-123@example.com", "mid-200@example.com"}, p.References)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"x-priority high", "X-Priority: 1 (Highest)\r\n", "high"},
		{"x-priority low", "X-Priority: 5\r\n", "low"},
		{"x-priority normal", "X-Priority: 3\r\n", "normal"},
		{"importance high", "Importance: High\r\n", "high"},
		{"priority urgent", "Priority: urgent\r\n", "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "From: a@b.c\r\nTo: d@e.f\r\nSubject: x\r\n" + tt.header + "\r\nbody\r\n"
			p := Parse([]byte(raw))
			require.NotNil(t, p.Priority)
			assert.Equal(t, tt.want, *p.Priority)
		})
	}
}

func TestParseNoPriorityHeader(t *testing.T) {
	p := Parse([]byte(simpleMessage))
	assert.Nil(t, p.Priority)
}

func TestParseEncodedSubject(t *testing.T) {
	raw := "From: a@b.c\r\n" +
		"Subject: =?utf-8?Q?Caf=C3=A9_menu?=\r\n" +
		"\r\n" +
		"body\r\n"

	p := Parse([]byte(raw))
	require.NotNil(t, p.Subject)
	assert.Equal(t, "Café menu", *p.Subject)
}

func TestParseLatin1Body(t *testing.T) {
	raw := "From: a@b.c\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"\r\n" +
		"caf\xe9\r\n"

	p := Parse([]byte(raw))
	require.True(t, p.HasTextBody)
	assert.Contains(t, *p.TextBody, "café")
}

func TestParseMalformedInput(t *testing.T) {
	p := Parse([]byte("not a mime message at all"))

	// net/mail treats a bare line as a header-less body boundary failure
	assert.False(t, p.ParseSuccess)
	require.NotNil(t, p.ParseError)
	require.NotNil(t, p.RawContent)
	assert.Equal(t, "not a mime message at all", *p.RawContent)
}

func TestParseKeepsPartialOnBodyFailure(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"Subject: broken\r\n" +
		"Content-Type: multipart/mixed\r\n" +
		"\r\n" +
		"body without boundary\r\n"

	p := Parse([]byte(raw))

	assert.False(t, p.ParseSuccess)
	require.NotNil(t, p.ParseError)
	require.NotNil(t, p.Subject)
	assert.Equal(t, "broken", *p.Subject)
	require.NotNil(t, p.From)
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@x.y", NormalizeMessageID(" <abc@x.y> "))
	assert.Equal(t, "abc@x.y", NormalizeMessageID("abc@x.y"))
	assert.Equal(t, "", NormalizeMessageID("  "))
}

func TestParseMessageIDList(t *testing.T) {
	ids := ParseMessageIDList("<a@x> <b@y>\r\n <c@z>")
	assert.Equal(t, []string{"a@x", "b@y", "c@z"}, ids)
	assert.Nil(t, ParseMessageIDList(""))
}

func TestPreview(t *testing.T) {
	text := strings.Repeat("lorem ipsum ", 40)
	p := &domain.StructuredEmail{TextBody: &text}

	preview := Preview(p)
	assert.LessOrEqual(t, len(preview), previewLimit+3)
	assert.True(t, strings.HasSuffix(preview, "..."))
	assert.NotContains(t, preview, "\n")
}

func TestPreviewFallsBackToHTML(t *testing.T) {
	html := "<html><head><style>p{color:red}</style></head><body><p>Hello <b>there</b></p></body></html>"
	p := &domain.StructuredEmail{HTMLBody: &html}

	assert.Equal(t, "Hello there", Preview(p))
}

func TestHTMLToTextSkipsScript(t *testing.T) {
	out := HTMLToText("<body><script>alert(1)</script><p>kept</p></body>")
	assert.Equal(t, "kept", out)
}
