package sesmail

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// OutgoingMessage is the structured form accepted by SendSimple. Raw MIME
// sends (replies, display names, forwarded mail) go through SendRaw
// instead.
type OutgoingMessage struct {
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	ReplyTo  []string
	Subject  string
	TextBody string
	HTMLBody string
	Tags     map[string]string
}

// SendSimple sends a structured message via SES v2 and returns the
// provider message id.
func (c *Client) SendSimple(ctx context.Context, msg *OutgoingMessage) (string, error) {
	if c.v2 == nil {
		return "", fmt.Errorf("SES client not initialized - check credentials")
	}

	body := &types.Body{}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if len(msg.ReplyTo) > 0 {
		input.ReplyToAddresses = msg.ReplyTo
	}
	for name, value := range msg.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	result, err := c.v2.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sending email: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Sent to %d recipients (id: %s)", len(msg.To)+len(msg.Cc)+len(msg.Bcc), messageID)

	return messageID, nil
}

// SendRaw sends a fully assembled RFC 5322 message. The envelope is set
// explicitly: from is the envelope sender, recipients the envelope
// recipients (Bcc never appears in the raw headers, so it must be carried
// here).
func (c *Client) SendRaw(ctx context.Context, from string, recipients []string, raw []byte) (string, error) {
	if c.v2 == nil {
		return "", fmt.Errorf("SES client not initialized - check credentials")
	}
	if len(recipients) == 0 {
		return "", fmt.Errorf("raw send requires at least one recipient")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	result, err := c.v2.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sending raw email: %w", err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Raw send from %s to %d recipients (id: %s)", logger.RedactEmail(from), len(recipients), messageID)

	return messageID, nil
}
