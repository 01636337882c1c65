package route

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/mailparse"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// RawSender dispatches an assembled MIME message through the cloud mailer.
type RawSender interface {
	SendRaw(ctx context.Context, from string, recipients []string, raw []byte) (string, error)
}

// GroupLister reads email-group membership rows.
type GroupLister interface {
	GroupEmails(ctx context.Context, endpointID string) ([]string, error)
}

// ForwardExecutor re-sends inbound mail to email and email_group endpoints.
// The message is rebuilt with the forwarder as envelope sender so SPF and
// DMARC stay intact; the original sender survives in Reply-To.
type ForwardExecutor struct {
	deliveries DeliveryStore
	stats      StatsUpdater
	groups     GroupLister
	sender     RawSender

	fromAddress      string
	subjectPrefix    string
	stripAttachments bool
}

func NewForwardExecutor(deliveries DeliveryStore, stats StatsUpdater, groups GroupLister,
	sender RawSender, cfg config.InboundConfig) *ForwardExecutor {
	return &ForwardExecutor{
		deliveries:       deliveries,
		stats:            stats,
		groups:           groups,
		sender:           sender,
		fromAddress:      cfg.ForwarderAddress,
		subjectPrefix:    cfg.SubjectPrefix,
		stripAttachments: cfg.StripForwardedAttachments,
	}
}

// Forward rebuilds the email and sends it to the endpoint's recipients.
func (f *ForwardExecutor) Forward(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail, ep *domain.Endpoint) error {
	if f.fromAddress == "" {
		return fmt.Errorf("forwarding disabled: no forwarder address configured")
	}

	recipients, err := f.recipients(ctx, ep)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("endpoint %s has no forward recipients", ep.ID)
	}

	raw, err := f.buildForward(email, parsed, recipients)
	if err != nil {
		return fmt.Errorf("build forward message: %w", err)
	}

	deliveryID, err := f.deliveries.Create(ctx, &domain.EndpointDelivery{
		EmailID:      email.ID,
		EndpointID:   ep.ID,
		DeliveryType: ep.Type,
		Target:       strings.Join(recipients, ","),
		Status:       domain.DeliveryPending,
	})
	if err != nil {
		return fmt.Errorf("create delivery record: %w", err)
	}

	start := time.Now()
	_, sendErr := f.sender.SendRaw(ctx, f.fromAddress, recipients, raw)
	latency := time.Since(start).Milliseconds()

	status := domain.DeliverySuccess
	var errMsg *string
	if sendErr != nil {
		status = domain.DeliveryFailed
		msg := sendErr.Error()
		errMsg = &msg
	}
	if err := f.deliveries.RecordResult(ctx, deliveryID, status, nil, nil, errMsg, latency); err != nil {
		logger.Error("recording delivery result", "delivery_id", deliveryID, "error", err.Error())
	}
	if err := f.stats.IncrementStats(ctx, ep.ID, sendErr == nil); err != nil {
		logger.Error("updating delivery stats", "destination_id", ep.ID, "error", err.Error())
	}
	return sendErr
}

func (f *ForwardExecutor) recipients(ctx context.Context, ep *domain.Endpoint) ([]string, error) {
	switch ep.Type {
	case domain.EndpointEmail:
		cfg, err := ep.EmailConfig()
		if err != nil {
			return nil, err
		}
		return []string{cfg.Email}, nil
	case domain.EndpointEmailGroup:
		cfg, err := ep.EmailGroupConfig()
		if err != nil {
			return nil, err
		}
		if len(cfg.Emails) > 0 {
			return cfg.Emails, nil
		}
		// Older rows keep group membership in its own table.
		return f.groups.GroupEmails(ctx, ep.ID)
	default:
		return nil, fmt.Errorf("endpoint %s is %s, not a forward type", ep.ID, ep.Type)
	}
}

func (f *ForwardExecutor) buildForward(email *domain.ReceivedEmail, parsed *domain.StructuredEmail, recipients []string) ([]byte, error) {
	msg := &mailparse.RawMessage{
		From:      f.forwardFrom(email, parsed),
		To:        recipients,
		Subject:   f.subjectPrefix + email.Subject,
		MessageID: uuid.New().String() + "@" + forwarderDomain(f.fromAddress),
		Date:      time.Now(),
	}

	if sender := originalSender(email, parsed); sender != "" {
		msg.ReplyTo = []string{sender}
	}

	if parsed != nil {
		if parsed.TextBody != nil {
			msg.TextBody = *parsed.TextBody
		}
		if parsed.HTMLBody != nil {
			msg.HTMLBody = *parsed.HTMLBody
		}
		if parsed.InReplyTo != nil {
			msg.InReplyTo = *parsed.InReplyTo
		}
		msg.References = parsed.References

		if !f.stripAttachments && parsed.HasAttachments && parsed.RawContent != nil {
			atts, err := mailparse.ExtractAttachments([]byte(*parsed.RawContent))
			if err != nil {
				logger.Warn("extracting attachments for forward", "email_id", email.ID, "error", err.Error())
			} else {
				msg.Attachments = atts
			}
		}
	}

	if msg.TextBody == "" && msg.HTMLBody == "" {
		msg.TextBody = email.Preview
	}
	return mailparse.BuildRaw(msg)
}

// forwardFrom keeps the original sender's display name on the forwarder's
// verified address.
func (f *ForwardExecutor) forwardFrom(email *domain.ReceivedEmail, parsed *domain.StructuredEmail) string {
	name := ""
	if parsed != nil && parsed.From != nil && len(parsed.From.Addresses) > 0 {
		a := parsed.From.Addresses[0]
		if a.Name != nil && *a.Name != "" {
			name = *a.Name
		} else {
			name = a.Address
		}
	}
	if name == "" {
		name = originalSender(email, parsed)
	}
	if name == "" {
		return f.fromAddress
	}
	return (&mail.Address{Name: name, Address: f.fromAddress}).String()
}

func originalSender(email *domain.ReceivedEmail, parsed *domain.StructuredEmail) string {
	if parsed != nil && parsed.From != nil && len(parsed.From.Addresses) > 0 {
		return parsed.From.Addresses[0].Address
	}
	if a, err := mail.ParseAddress(email.FromText); err == nil {
		return a.Address
	}
	return ""
}

func forwarderDomain(address string) string {
	if d := domain.DomainOf(address); d != "" {
		return d
	}
	return "localhost"
}
