package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
	"github.com/inboundemail/inbound-sub004/internal/pkg/validate"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
)

type createAddressRequest struct {
	Address    string  `json:"address"`
	DomainID   string  `json:"domain_id"`
	EndpointID *string `json:"endpoint_id"`
	WebhookID  *string `json:"webhook_id"`
	IsActive   *bool   `json:"is_active"`
}

type updateAddressRequest struct {
	// Routing fields: absent leaves routing alone, "" clears it, any other
	// value rebinds. At most one target may end up set.
	EndpointID *string `json:"endpoint_id"`
	WebhookID  *string `json:"webhook_id"`
	IsActive   *bool   `json:"is_active"`
}

// addressView decorates an address row with a receipt-rule warning when
// the mailer could not be converged in the same request.
type addressView struct {
	*domain.EmailAddress
	Warning string `json:"warning,omitempty"`
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)

	f := postgres.AddressFilter{
		DomainID: r.URL.Query().Get("domain_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := r.URL.Query().Get("active"); v != "" {
		b := v == "true"
		f.IsActive = &b
	}

	addrs, total, err := s.addresses.List(r.Context(), userID, f)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondList(w, addrs, total, limit, offset)
}

// handleCreateAddress registers a receiving address and converges the
// domain's individual receipt rule. Rule trouble is a warning, never a
// rollback: the next rule operation for the domain re-converges.
func (s *Server) handleCreateAddress(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createAddressRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	addr := domain.NormalizeAddress(req.Address)
	if err := validate.Var(addr, "required,email"); err != nil {
		respondDomainError(w, r, fmt.Errorf("address must be a valid email: %w", domain.ErrInvalid))
		return
	}

	d, err := s.domains.Get(r.Context(), userID, req.DomainID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !d.IsVerified() {
		respondDomainError(w, r, fmt.Errorf("domain %s is not verified: %w", d.Domain, domain.ErrForbidden))
		return
	}
	if domain.DomainOf(addr) != d.Domain {
		respondDomainError(w, r, fmt.Errorf("address must belong to %s: %w", d.Domain, domain.ErrInvalid))
		return
	}

	endpointID, webhookID, err := s.resolveRouting(r, userID, req.EndpointID, req.WebhookID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	a := &domain.EmailAddress{
		Address:    addr,
		DomainID:   d.ID,
		UserID:     userID,
		EndpointID: endpointID,
		WebhookID:  webhookID,
		IsActive:   true,
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}

	id, err := s.addresses.Create(r.Context(), a)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	warning := s.syncIndividualRule(r, d)

	created, err := s.addresses.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, addressView{EmailAddress: created, Warning: warning})
}

func (s *Server) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	a, err := s.addresses.Get(r.Context(), userID, chi.URLParam(r, "addressID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateAddress(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "addressID")

	var req updateAddressRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	a, err := s.addresses.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	if req.EndpointID != nil || req.WebhookID != nil {
		endpointID, webhookID, err := s.resolveRouting(r, userID, req.EndpointID, req.WebhookID)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		if err := s.addresses.UpdateRouting(r.Context(), userID, id, endpointID, webhookID); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}

	var warning string
	if req.IsActive != nil && *req.IsActive != a.IsActive {
		if err := s.addresses.SetActive(r.Context(), userID, id, *req.IsActive); err != nil {
			respondDomainError(w, r, err)
			return
		}
		// Activation state feeds the rule's recipient list.
		d, err := s.domains.Get(r.Context(), userID, a.DomainID)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		warning = s.syncIndividualRule(r, d)
	}

	updated, err := s.addresses.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, addressView{EmailAddress: updated, Warning: warning})
}

func (s *Server) handleDeleteAddress(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "addressID")

	a, err := s.addresses.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	d, err := s.domains.Get(r.Context(), userID, a.DomainID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	if err := s.addresses.Delete(r.Context(), userID, id); err != nil {
		respondDomainError(w, r, err)
		return
	}

	warning := s.syncIndividualRule(r, d)
	respondJSON(w, http.StatusOK, opResult{Success: true, Warning: warning})
}

// resolveRouting validates the endpoint/webhook target pair. Empty strings
// normalize to nil so callers can clear routing explicitly.
func (s *Server) resolveRouting(r *http.Request, userID string, endpointID, webhookID *string) (*string, *string, error) {
	if endpointID != nil && *endpointID == "" {
		endpointID = nil
	}
	if webhookID != nil && *webhookID == "" {
		webhookID = nil
	}
	if endpointID != nil && webhookID != nil {
		return nil, nil, fmt.Errorf("at most one of endpoint_id and webhook_id may be set: %w", domain.ErrInvalid)
	}
	if endpointID != nil {
		if _, err := s.endpoints.Get(r.Context(), userID, *endpointID); err != nil {
			return nil, nil, err
		}
	}
	if webhookID != nil {
		if _, err := s.webhooks.Get(r.Context(), userID, *webhookID); err != nil {
			return nil, nil, err
		}
	}
	return endpointID, webhookID, nil
}

// syncIndividualRule converges the domain's individual receipt rule after
// an address mutation. The DB write already landed, so failures surface as
// warnings for the caller to retry. Domains running catch-all keep their
// single catch-all rule; address rows only refine routing there.
func (s *Server) syncIndividualRule(r *http.Request, d *domain.EmailDomain) string {
	if d.IsCatchAllEnabled {
		return ""
	}
	res, err := s.receipts.EnableIndividual(r.Context(), d)
	if err != nil {
		logger.Warn("receipt rule sync failed", "domain", d.Domain, "error", err.Error())
		return fmt.Sprintf("receipt rule not converged: %v", err)
	}
	return res.Warning
}
