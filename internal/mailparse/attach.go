package mailparse

import (
	"bytes"
	"fmt"
	"io"
	"net/mail"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// Attachment pairs one attachment's metadata with its decoded content.
type Attachment struct {
	Meta    domain.AttachmentMeta
	Content []byte
}

// ExtractAttachments re-reads a raw message and returns its attachments
// with decoded content. Parse keeps metadata only; forwarding and the
// download path pay the decode cost when they actually need the bytes.
func ExtractAttachments(raw []byte) ([]Attachment, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	acc := &bodyAccum{keepContent: true}
	if err := walkBody(msg.Header.Get("Content-Type"),
		msg.Header.Get("Content-Transfer-Encoding"),
		msg.Header.Get("Content-Disposition"),
		msg.Header.Get("Content-Id"), body, acc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}

	out := make([]Attachment, len(acc.attachments))
	for i, meta := range acc.attachments {
		out[i] = Attachment{Meta: meta, Content: acc.contents[i]}
	}
	return out, nil
}
