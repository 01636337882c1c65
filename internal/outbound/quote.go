package outbound

import (
	"fmt"
	"html"
	"strings"

	"github.com/inboundemail/inbound-sub004/internal/domain"
)

// QuoteText prefixes every line of body with "> ". Blank lines become a
// bare ">" and lines that are already quoted gain another ">" so nesting
// depth survives repeated replies. Line endings are normalized to "\n".
func QuoteText(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			lines[i] = ">"
		case strings.HasPrefix(line, ">"):
			lines[i] = ">" + line
		default:
			lines[i] = "> " + line
		}
	}
	return strings.Join(lines, "\n")
}

// QuoteHTML wraps body in the blockquote mail clients render as quoted
// history. The body is trusted HTML from the stored original message.
func QuoteHTML(body string) string {
	return `<blockquote style="margin:0 0 0 0.8ex;border-left:1px solid #ccc;padding-left:1ex;">` +
		body + `</blockquote>`
}

// attribution renders the "On {date}, {sender} wrote:" line placed above
// the quoted block. Empty when no sender is known.
func attribution(email *domain.ReceivedEmail, parsed *domain.StructuredEmail) string {
	sender := email.FromText
	if parsed != nil && parsed.From != nil && parsed.From.Text != "" {
		sender = parsed.From.Text
	}
	if sender == "" {
		return ""
	}
	if parsed != nil && parsed.Date != nil {
		return fmt.Sprintf("On %s, %s wrote:", parsed.Date.Format("Mon, Jan 2, 2006 at 3:04 PM"), sender)
	}
	return fmt.Sprintf("%s wrote:", sender)
}

// quotedTextSource returns the text form of the original for quoting.
func quotedTextSource(parsed *domain.StructuredEmail) string {
	if parsed.TextBody != nil {
		return *parsed.TextBody
	}
	return ""
}

// quotedHTMLSource returns the HTML form of the original for quoting,
// falling back to the escaped text body when the original was plain text.
func quotedHTMLSource(parsed *domain.StructuredEmail) string {
	if parsed.HTMLBody != nil && *parsed.HTMLBody != "" {
		return *parsed.HTMLBody
	}
	if parsed.TextBody != nil && *parsed.TextBody != "" {
		escaped := html.EscapeString(*parsed.TextBody)
		return strings.ReplaceAll(escaped, "\n", "<br>\n")
	}
	return ""
}

// appendQuoted attaches the quoted original below whichever bodies the
// reply provides.
func appendQuoted(text, htmlBody *string, email *domain.ReceivedEmail, parsed *domain.StructuredEmail) (*string, *string) {
	attr := attribution(email, parsed)

	if text != nil && *text != "" {
		if src := quotedTextSource(parsed); src != "" {
			quoted := *text + "\n\n"
			if attr != "" {
				quoted += attr + "\n"
			}
			quoted += QuoteText(src)
			text = &quoted
		}
	}
	if htmlBody != nil && *htmlBody != "" {
		if src := quotedHTMLSource(parsed); src != "" {
			quoted := *htmlBody + "<br><br>"
			if attr != "" {
				quoted += "<div>" + html.EscapeString(attr) + "</div>"
			}
			quoted += QuoteHTML(src)
			htmlBody = &quoted
		}
	}
	return text, htmlBody
}
