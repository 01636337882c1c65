// Package route selects a destination for a persisted inbound email and
// dispatches it to the matching executor. Finding no destination is a
// normal outcome, not an error.
package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// Destination kinds reported back in the ingestion summary.
const (
	DestinationWebhook    = "webhook"
	DestinationEmail      = "email"
	DestinationEmailGroup = "email_group"
	DestinationNone       = "none"
)

// AddressFinder resolves a receiving address row by exact address.
type AddressFinder interface {
	GetByAddress(ctx context.Context, address string) (*domain.EmailAddress, error)
}

// EndpointFinder loads an endpoint regardless of owner; ownership was
// checked when the routing reference was written.
type EndpointFinder interface {
	GetByID(ctx context.Context, id string) (*domain.Endpoint, error)
}

// WebhookFinder loads a legacy standalone webhook.
type WebhookFinder interface {
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
}

// DomainFinder loads a receiving domain for catch-all resolution.
type DomainFinder interface {
	GetByName(ctx context.Context, name string) (*domain.EmailDomain, error)
}

// Router picks where a received email goes. Selection order: an active
// address match routes to its endpoint or legacy webhook; otherwise an
// enabled catch-all on the recipient's domain; otherwise nowhere.
type Router struct {
	addresses AddressFinder
	endpoints EndpointFinder
	webhooks  WebhookFinder
	domains   DomainFinder
	webhook   *WebhookExecutor
	forward   *ForwardExecutor
}

func NewRouter(addresses AddressFinder, endpoints EndpointFinder, webhooks WebhookFinder,
	domains DomainFinder, webhook *WebhookExecutor, forward *ForwardExecutor) *Router {
	return &Router{
		addresses: addresses,
		endpoints: endpoints,
		webhooks:  webhooks,
		domains:   domains,
		webhook:   webhook,
		forward:   forward,
	}
}

// Route dispatches the email and returns the destination kind it chose,
// along with the delivery error if the dispatch itself failed. An inactive
// address or endpoint falls through to the catch-all check.
func (r *Router) Route(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail) (string, error) {
	addr, err := r.addresses.GetByAddress(ctx, domain.NormalizeAddress(email.Recipient))
	switch {
	case err == nil && addr.IsActive:
		if addr.EndpointID != nil {
			if ep := r.activeEndpoint(ctx, *addr.EndpointID); ep != nil {
				return r.dispatch(ctx, email, parsed, ep)
			}
		}
		if addr.WebhookID != nil {
			if wh := r.activeWebhook(ctx, *addr.WebhookID); wh != nil {
				return DestinationWebhook, r.webhook.DeliverLegacy(ctx, email, parsed, wh)
			}
		}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		logger.Error("address lookup failed", "recipient", email.Recipient, "error", err.Error())
	}

	if name := domain.DomainOf(email.Recipient); name != "" {
		d, err := r.domains.GetByName(ctx, name)
		switch {
		case err == nil && d.IsCatchAllEnabled && d.CatchAllEndpointID != nil:
			if ep := r.activeEndpoint(ctx, *d.CatchAllEndpointID); ep != nil {
				return r.dispatch(ctx, email, parsed, ep)
			}
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			logger.Error("domain lookup failed", "domain", name, "error", err.Error())
		}
	}

	return DestinationNone, nil
}

func (r *Router) dispatch(ctx context.Context, email *domain.ReceivedEmail, parsed *domain.StructuredEmail, ep *domain.Endpoint) (string, error) {
	switch ep.Type {
	case domain.EndpointWebhook:
		return DestinationWebhook, r.webhook.Deliver(ctx, email, parsed, ep)
	case domain.EndpointEmail:
		return DestinationEmail, r.forward.Forward(ctx, email, parsed, ep)
	case domain.EndpointEmailGroup:
		return DestinationEmailGroup, r.forward.Forward(ctx, email, parsed, ep)
	default:
		return DestinationNone, fmt.Errorf("endpoint %s has unknown type %q", ep.ID, ep.Type)
	}
}

func (r *Router) activeEndpoint(ctx context.Context, id string) *domain.Endpoint {
	ep, err := r.endpoints.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Error("endpoint lookup failed", "endpoint_id", id, "error", err.Error())
		}
		return nil
	}
	if !ep.IsActive {
		return nil
	}
	return ep
}

func (r *Router) activeWebhook(ctx context.Context, id string) *domain.Webhook {
	wh, err := r.webhooks.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Error("webhook lookup failed", "webhook_id", id, "error", err.Error())
		}
		return nil
	}
	if !wh.IsActive {
		return nil
	}
	return wh
}
