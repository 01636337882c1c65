package mailparse

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// previewLimit caps the single-line snippet stored on email rows.
const previewLimit = 256

// Preview builds a list-view snippet from a parsed email, preferring the
// text body and falling back to stripped HTML.
func Preview(p *domain.StructuredEmail) string {
	if p.TextBody != nil {
		return flattenPreview(*p.TextBody)
	}
	if p.HTMLBody != nil {
		return flattenPreview(HTMLToText(*p.HTMLBody))
	}
	return ""
}

func flattenPreview(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.Join(strings.Fields(text), " ")

	if len(text) > previewLimit {
		text = text[:previewLimit]
		if lastSpace := strings.LastIndex(text, " "); lastSpace > previewLimit-50 {
			text = text[:lastSpace]
		}
		text += "..."
	}
	return text
}

// HTMLToText extracts the visible text of an HTML body. Script and style
// content is dropped; block boundaries become single spaces.
func HTMLToText(body string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if skipTag(string(name)) {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if skipTag(string(name)) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			if text := strings.TrimSpace(string(tokenizer.Text())); text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
	}
}

func skipTag(name string) bool {
	switch name {
	case "script", "style", "head", "title":
		return true
	}
	return false
}
