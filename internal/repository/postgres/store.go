package postgres

import "database/sql"

// Store bundles every repository behind one connection pool. Handlers and
// services take the narrow repos they need; cmd wiring passes the Store.
type Store struct {
	db *sql.DB

	APIKeys    *APIKeyRepo
	Domains    *DomainRepo
	Addresses  *AddressRepo
	Endpoints  *EndpointRepo
	Webhooks   *WebhookRepo
	Events     *EventRepo
	Emails     *EmailRepo
	Structured *StructuredRepo
	Deliveries *DeliveryRepo
	Sent       *SentRepo
	Scheduled  *ScheduledRepo
	Blocked    *BlockedRepo
}

// NewStore creates the repository bundle on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:         db,
		APIKeys:    NewAPIKeyRepo(db),
		Domains:    NewDomainRepo(db),
		Addresses:  NewAddressRepo(db),
		Endpoints:  NewEndpointRepo(db),
		Webhooks:   NewWebhookRepo(db),
		Events:     NewEventRepo(db),
		Emails:     NewEmailRepo(db),
		Structured: NewStructuredRepo(db),
		Deliveries: NewDeliveryRepo(db),
		Sent:       NewSentRepo(db),
		Scheduled:  NewScheduledRepo(db),
		Blocked:    NewBlockedRepo(db),
	}
}

// DB exposes the underlying handle for advisory locks and health checks.
func (s *Store) DB() *sql.DB { return s.db }
