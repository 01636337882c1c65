package mailparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

type bodyAccum struct {
	text        string
	html        string
	attachments []domain.AttachmentMeta
	// keepContent retains decoded attachment bytes in contents, index
	// aligned with attachments. Parse leaves it off.
	keepContent bool
	contents    [][]byte
}

func (a *bodyAccum) addText(s string) {
	if a.text != "" {
		a.text += "\n"
	}
	a.text += s
}

func (a *bodyAccum) addHTML(s string) {
	if a.html != "" {
		a.html += "\n"
	}
	a.html += s
}

// walkBody descends a MIME tree collecting text and html bodies and
// attachment metadata. multipart/alternative contributes its text and html
// variants; multipart/mixed and friends are descended part by part.
func walkBody(contentType, transferEncoding, disposition, contentID string, body []byte, acc *bodyAccum) error {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok {
			return fmt.Errorf("multipart without boundary")
		}
		return walkMultipart(boundary, body, acc)
	}

	dispType, dispParams := parseDisposition(disposition)
	filename := partFilename(dispParams, params)

	if isAttachment(mediaType, dispType, filename) {
		decoded, err := decodePartBody(body, transferEncoding)
		if err != nil {
			return err
		}
		acc.addAttachment(attachmentMeta(mediaType, dispType, filename, contentID, len(decoded)), decoded)
		return nil
	}

	switch mediaType {
	case "text/plain", "text/html":
		decoded, err := decodePartBody(body, transferEncoding)
		if err != nil {
			return err
		}
		decoded = decodeCharset(decoded, params["charset"])
		if mediaType == "text/plain" {
			acc.addText(string(decoded))
		} else {
			acc.addHTML(string(decoded))
		}
	default:
		// Unnamed non-text content still surfaces as an attachment so
		// nothing silently disappears.
		decoded, err := decodePartBody(body, transferEncoding)
		if err != nil {
			return err
		}
		acc.addAttachment(attachmentMeta(mediaType, dispType, filename, contentID, len(decoded)), decoded)
	}
	return nil
}

func (a *bodyAccum) addAttachment(meta domain.AttachmentMeta, content []byte) {
	a.attachments = append(a.attachments, meta)
	if a.keepContent {
		a.contents = append(a.contents, content)
	}
}

func walkMultipart(boundary string, body []byte, acc *bodyAccum) error {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("next part: %w", err)
		}

		partBody, err := io.ReadAll(part)
		if err != nil {
			return fmt.Errorf("read part: %w", err)
		}

		// multipart.Reader consumes quoted-printable transparently, so the
		// remaining encoding header here is base64 or identity.
		if err := walkBody(part.Header.Get("Content-Type"),
			part.Header.Get("Content-Transfer-Encoding"),
			part.Header.Get("Content-Disposition"),
			part.Header.Get("Content-Id"), partBody, acc); err != nil {
			return err
		}
	}
}

// decodePartBody reverses the content transfer encoding.
func decodePartBody(body []byte, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, newLineStripper(body)))
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("decode quoted-printable: %w", err)
		}
		return decoded, nil
	default:
		return body, nil
	}
}

// newLineStripper feeds base64 content to the decoder without the line
// breaks MIME wraps it in.
func newLineStripper(body []byte) io.Reader {
	cleaned := bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, body)
	return bytes.NewReader(cleaned)
}

func parseDisposition(disposition string) (string, map[string]string) {
	if disposition == "" {
		return "", nil
	}
	dispType, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return "", nil
	}
	return dispType, params
}

func partFilename(dispParams, typeParams map[string]string) string {
	if name, ok := dispParams["filename"]; ok && name != "" {
		return decodeHeader(name)
	}
	if name, ok := typeParams["name"]; ok && name != "" {
		return decodeHeader(name)
	}
	return ""
}

func isAttachment(mediaType, dispType, filename string) bool {
	if dispType == "attachment" {
		return true
	}
	if mediaType == "text/plain" || mediaType == "text/html" {
		return false
	}
	return filename != "" || dispType == "inline"
}

func attachmentMeta(mediaType, dispType, filename, contentID string, size int) domain.AttachmentMeta {
	meta := domain.AttachmentMeta{
		ContentType:        mediaType,
		Size:               size,
		ContentDisposition: dispType,
	}
	if meta.ContentDisposition == "" {
		meta.ContentDisposition = "attachment"
	}
	if filename != "" {
		name := filename
		meta.Filename = &name
	}
	if cid := NormalizeMessageID(contentID); cid != "" {
		meta.ContentID = &cid
	}
	return meta
}

// decodeHeader decodes RFC 2047 encoded words, falling back to the raw value.
func decodeHeader(s string) string {
	dec := &mime.WordDecoder{CharsetReader: charsetReader}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
