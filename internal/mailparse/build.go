package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// RawMessage describes an outgoing message for assembly into wire format.
// Message ids are bare tokens; angle brackets are added on emit. Zero-value
// fields are omitted from the output.
type RawMessage struct {
	From    string
	To      []string
	Cc      []string
	ReplyTo []string
	Subject string

	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time

	TextBody string
	HTMLBody string

	Attachments  []Attachment
	ExtraHeaders map[string]string
}

const base64LineLength = 76

// BuildRaw assembles the message into RFC 5322 wire format. Text and HTML
// bodies travel quoted-printable under multipart/alternative when both are
// present; attachments wrap the whole body in multipart/mixed with base64
// parts.
func BuildRaw(m *RawMessage) ([]byte, error) {
	if m.From == "" {
		return nil, fmt.Errorf("message needs a From address")
	}
	if len(m.To) == 0 {
		return nil, fmt.Errorf("message needs at least one recipient")
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", m.From)
	writeHeader(&buf, "To", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(m.Cc, ", "))
	}
	if len(m.ReplyTo) > 0 {
		writeHeader(&buf, "Reply-To", strings.Join(m.ReplyTo, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	if m.MessageID != "" {
		writeHeader(&buf, "Message-ID", "<"+m.MessageID+">")
	}
	if m.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", "<"+m.InReplyTo+">")
	}
	if len(m.References) > 0 {
		refs := make([]string, len(m.References))
		for i, id := range m.References {
			refs[i] = "<" + id + ">"
		}
		writeHeader(&buf, "References", strings.Join(refs, " "))
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")

	// Sorted so two builds of the same message are byte-identical.
	extra := make([]string, 0, len(m.ExtraHeaders))
	for k := range m.ExtraHeaders {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		writeHeader(&buf, textproto.CanonicalMIMEHeaderKey(k), m.ExtraHeaders[k])
	}

	if len(m.Attachments) > 0 {
		return buildMixed(&buf, m)
	}
	if err := writeInlineBody(&buf, m.TextBody, m.HTMLBody); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeInlineBody emits the body of an attachment-free message directly
// under the top-level headers.
func writeInlineBody(buf *bytes.Buffer, text, html string) error {
	if text != "" && html != "" {
		boundary, body, err := alternativeBody(text, html)
		if err != nil {
			return err
		}
		writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		buf.WriteString("\r\n")
		buf.Write(body)
		return nil
	}

	contentType := "text/plain"
	body := text
	if html != "" {
		contentType = "text/html"
		body = html
	}
	writeHeader(buf, "Content-Type", contentType+"; charset=utf-8")
	writeHeader(buf, "Content-Transfer-Encoding", "quoted-printable")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func buildMixed(buf *bytes.Buffer, m *RawMessage) ([]byte, error) {
	mw := multipart.NewWriter(buf)
	writeHeader(buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	if m.TextBody != "" || m.HTMLBody != "" {
		if m.TextBody != "" && m.HTMLBody != "" {
			boundary, body, err := alternativeBody(m.TextBody, m.HTMLBody)
			if err != nil {
				return nil, err
			}
			h := textproto.MIMEHeader{}
			h.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
			part, err := mw.CreatePart(h)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(body); err != nil {
				return nil, err
			}
		} else {
			contentType, body := "text/plain", m.TextBody
			if m.HTMLBody != "" {
				contentType, body = "text/html", m.HTMLBody
			}
			if err := writeTextPart(mw, contentType, body); err != nil {
				return nil, err
			}
		}
	}

	for _, a := range m.Attachments {
		if err := writeAttachmentPart(mw, a); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// alternativeBody renders text and html variants into a standalone
// multipart/alternative body, returning its boundary.
func alternativeBody(text, html string) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := writeTextPart(w, "text/plain", text); err != nil {
		return "", nil, err
	}
	if err := writeTextPart(w, "text/html", html); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.Boundary(), buf.Bytes(), nil
}

func writeTextPart(w *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType+"; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachmentPart(w *multipart.Writer, a Attachment) error {
	contentType := a.Meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := a.Meta.ContentDisposition
	if disposition == "" {
		disposition = "attachment"
	}

	h := textproto.MIMEHeader{}
	if a.Meta.Filename != nil && *a.Meta.Filename != "" {
		h.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": *a.Meta.Filename}))
		h.Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": *a.Meta.Filename}))
	} else {
		h.Set("Content-Type", contentType)
		h.Set("Content-Disposition", disposition)
	}
	if a.Meta.ContentID != nil && *a.Meta.ContentID != "" {
		h.Set("Content-Id", "<"+*a.Meta.ContentID+">")
	}
	h.Set("Content-Transfer-Encoding", "base64")

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	return writeBase64(part, a.Content)
}

// writeBase64 emits content in MIME-wrapped base64 lines.
func writeBase64(w io.Writer, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 0 {
		n := base64LineLength
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
