// Package api exposes the HTTP surface: the authenticated user API and the
// mailer's ingestion callback. Handlers stay thin; gates and pipelines live
// in the service packages.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/inboundemail/inbound-sub004/internal/config"
	"github.com/inboundemail/inbound-sub004/internal/dnscheck"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/ingest"
	"github.com/inboundemail/inbound-sub004/internal/outbound"
	"github.com/inboundemail/inbound-sub004/internal/receipt"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
	"github.com/inboundemail/inbound-sub004/internal/route"
	"github.com/inboundemail/inbound-sub004/internal/sesmail"
)

// Ingestor runs the inbound pipeline for the mailer callback.
type Ingestor interface {
	Ingest(ctx context.Context, payload *ingest.CallbackPayload) (*ingest.Result, error)
}

// MailSender runs the outbound pipeline.
type MailSender interface {
	Send(ctx context.Context, userID string, req *outbound.SendRequest) (*domain.SentEmail, error)
	Reply(ctx context.Context, userID, emailID string, req *outbound.ReplyRequest) (*domain.SentEmail, error)
	Schedule(ctx context.Context, userID string, req *outbound.SendRequest, at time.Time, timezone string) (*domain.ScheduledEmail, error)
}

// ThreadAssembler builds the conversation view for an inbound email.
type ThreadAssembler interface {
	Assemble(ctx context.Context, userID, emailID string) ([]outbound.ThreadMessage, error)
}

// RuleManager converges mailer-side receipt rules with the database.
type RuleManager interface {
	EnableIndividual(ctx context.Context, d *domain.EmailDomain) (*receipt.Result, error)
	EnableCatchAll(ctx context.Context, d *domain.EmailDomain, endpointID string) (*receipt.Result, error)
	DisableCatchAll(ctx context.Context, d *domain.EmailDomain) (*receipt.Result, error)
	RemoveAll(ctx context.Context, d *domain.EmailDomain) (*receipt.Result, error)
}

// DNSChecker presents and verifies the records a domain owner must create.
type DNSChecker interface {
	ExpectedRecords(d *domain.EmailDomain) []domain.DNSRecord
	Check(ctx context.Context, d *domain.EmailDomain) (*dnscheck.CheckResult, error)
}

// IdentityClient manages sending/receiving identities at the mailer.
type IdentityClient interface {
	CreateDomainIdentity(ctx context.Context, domainName string) (*sesmail.Identity, error)
	DeleteDomainIdentity(ctx context.Context, domainName string) error
}

// WebhookTester fires a one-off signed test delivery.
type WebhookTester interface {
	TestDeliver(ctx context.Context, ep *domain.Endpoint) (*route.TestResult, error)
	TestDeliverLegacy(ctx context.Context, wh *domain.Webhook) (*route.TestResult, error)
}

// DomainStore is the slice of the domain repository the handlers use.
type DomainStore interface {
	Get(ctx context.Context, userID, id string) (*domain.EmailDomain, error)
	GetByName(ctx context.Context, name string) (*domain.EmailDomain, error)
	List(ctx context.Context, userID string, f postgres.DomainFilter) ([]domain.EmailDomain, int, error)
	Create(ctx context.Context, d *domain.EmailDomain) (string, error)
	Update(ctx context.Context, userID, id string, u postgres.DomainUpdate) error
	Delete(ctx context.Context, userID, id string) error
}

// AddressStore is the slice of the address repository the handlers use.
type AddressStore interface {
	Get(ctx context.Context, userID, id string) (*domain.EmailAddress, error)
	List(ctx context.Context, userID string, f postgres.AddressFilter) ([]domain.EmailAddress, int, error)
	Create(ctx context.Context, a *domain.EmailAddress) (string, error)
	UpdateRouting(ctx context.Context, userID, id string, endpointID, webhookID *string) error
	SetActive(ctx context.Context, userID, id string, active bool) error
	Delete(ctx context.Context, userID, id string) error
}

// EndpointStore is the slice of the endpoint repository the handlers use.
type EndpointStore interface {
	Get(ctx context.Context, userID, id string) (*domain.Endpoint, error)
	List(ctx context.Context, userID string, f postgres.EndpointFilter) ([]domain.Endpoint, int, error)
	Create(ctx context.Context, e *domain.Endpoint, groupEmails []string) (string, error)
	Update(ctx context.Context, userID, id string, u postgres.EndpointUpdate) error
	Delete(ctx context.Context, userID, id string) (*postgres.EndpointCleanup, error)
	GroupEmails(ctx context.Context, endpointID string) ([]string, error)
	GroupEmailsForEndpoints(ctx context.Context, endpointIDs []string) (map[string][]string, error)
}

// MailStore is the slice of the inbound email repository the handlers use.
type MailStore interface {
	Get(ctx context.Context, userID, id string) (*domain.ReceivedEmail, error)
	List(ctx context.Context, userID string, f postgres.EmailFilter) ([]domain.ReceivedEmail, int, error)
	MarkRead(ctx context.Context, userID, id string) error
	SetArchived(ctx context.Context, userID, id string, archived bool) error
}

// ParsedStore loads the structured form of an inbound email.
type ParsedStore interface {
	GetByEmailID(ctx context.Context, emailID string) (*domain.StructuredEmail, error)
}

// DeliveryStore lists dispatch attempts for an inbound email.
type DeliveryStore interface {
	ListByEmail(ctx context.Context, emailID string) ([]domain.EndpointDelivery, error)
}

// SentStore reads outbound send records.
type SentStore interface {
	Get(ctx context.Context, userID, id string) (*domain.SentEmail, error)
	List(ctx context.Context, userID string, limit, offset int) ([]domain.SentEmail, int, error)
}

// ScheduledStore reads and cancels deferred sends.
type ScheduledStore interface {
	Get(ctx context.Context, userID, id string) (*domain.ScheduledEmail, error)
	List(ctx context.Context, userID, status string, limit, offset int) ([]domain.ScheduledEmail, int, error)
	Cancel(ctx context.Context, userID, id string) error
}

// WebhookStore is the slice of the legacy webhook repository the handlers use.
type WebhookStore interface {
	Get(ctx context.Context, userID, id string) (*domain.Webhook, error)
	List(ctx context.Context, userID string, limit, offset int) ([]domain.Webhook, int, error)
	Create(ctx context.Context, w *domain.Webhook) (string, error)
	Update(ctx context.Context, userID, id string, u postgres.WebhookUpdate) error
	Delete(ctx context.Context, userID, id string) error
}

// Deps carries everything the server wires into handlers.
type Deps struct {
	APIKeys    KeyStore
	Ingestor   Ingestor
	Sender     MailSender
	Threads    ThreadAssembler
	Receipts   RuleManager
	DNS        DNSChecker
	Identities IdentityClient
	Tester     WebhookTester

	Domains    DomainStore
	Addresses  AddressStore
	Endpoints  EndpointStore
	Mail       MailStore
	Parsed     ParsedStore
	Deliveries DeliveryStore
	Sent       SentStore
	Scheduled  ScheduledStore
	Webhooks   WebhookStore
}

// Server is the HTTP front for the service.
type Server struct {
	devMode    bool
	serviceKey string
	origins    []string

	apiKeys    KeyStore
	ingestor   Ingestor
	sender     MailSender
	threads    ThreadAssembler
	receipts   RuleManager
	dns        DNSChecker
	identities IdentityClient
	tester     WebhookTester

	domains    DomainStore
	addresses  AddressStore
	endpoints  EndpointStore
	mail       MailStore
	parsed     ParsedStore
	deliveries DeliveryStore
	sent       SentStore
	scheduled  ScheduledStore
	webhooks   WebhookStore

	handler http.Handler
	server  *http.Server
}

// New assembles the router and returns a server ready to listen.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		devMode:    cfg.Server.DevMode,
		serviceKey: cfg.Inbound.ServiceAPIKey,
		origins:    cfg.Server.AllowedOrigins,
		apiKeys:    d.APIKeys,
		ingestor:   d.Ingestor,
		sender:     d.Sender,
		threads:    d.Threads,
		receipts:   d.Receipts,
		dns:        d.DNS,
		identities: d.Identities,
		tester:     d.Tester,
		domains:    d.Domains,
		addresses:  d.Addresses,
		endpoints:  d.Endpoints,
		mail:       d.Mail,
		parsed:     d.Parsed,
		deliveries: d.Deliveries,
		sent:       d.Sent,
		scheduled:  d.Scheduled,
		webhooks:   d.Webhooks,
	}
	s.handler = s.buildRouter()
	return s
}

// ListenAndServe starts the HTTP server on addr and blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Callback bodies carry full raw messages, so read generously;
		// individual handlers bound their own work with contexts.
		ReadTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the routing tree, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
