package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound-sub004/internal/dnscheck"
	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
	"github.com/inboundemail/inbound-sub004/internal/pkg/validate"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
)

type createDomainRequest struct {
	Domain string `json:"domain"`
}

// domainView decorates a domain row with the records its owner must
// provision.
type domainView struct {
	*domain.EmailDomain
	Records []domain.DNSRecord `json:"records,omitempty"`
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)

	f := postgres.DomainFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("can_receive"); v != "" {
		b := v == "true"
		f.CanReceive = &b
	}

	domains, total, err := s.domains.List(r.Context(), userID, f)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondList(w, domains, total, limit, offset)
}

// handleCreateDomain registers a domain: the mailer identity is created
// first because its verification and DKIM tokens are part of the row. The
// identity call is idempotent, so a lost race on the unique index leaves
// nothing to clean up.
func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createDomainRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	name := strings.ToLower(strings.TrimSpace(req.Domain))
	if err := validate.Var(name, "required,fqdn"); err != nil {
		respondDomainError(w, r, fmt.Errorf("domain must be a valid fully qualified name: %w", domain.ErrInvalid))
		return
	}

	if _, err := s.domains.GetByName(r.Context(), name); err == nil {
		respondDomainError(w, r, fmt.Errorf("domain %s is already registered: %w", name, domain.ErrConflict))
		return
	}

	identity, err := s.identities.CreateDomainIdentity(r.Context(), name)
	if err != nil {
		respondDomainError(w, r, fmt.Errorf("creating mailer identity: %w", err))
		return
	}

	d := &domain.EmailDomain{
		UserID:            userID,
		Domain:            name,
		Status:            domain.DomainPending,
		VerificationToken: identity.VerificationToken,
		DKIMTokens:        identity.DKIMTokens,
	}
	if _, err := s.domains.Create(r.Context(), d); err != nil {
		respondDomainError(w, r, err)
		return
	}

	logger.Info("domain registered", "domain", name, "user_id", userID)
	respondJSON(w, http.StatusCreated, domainView{EmailDomain: d, Records: s.dns.ExpectedRecords(d)})
}

// handleGetDomain returns one domain; ?check=true re-resolves its DNS
// records and refreshes verification state before responding.
func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	d, err := s.domains.Get(r.Context(), userID, chi.URLParam(r, "domainID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	if r.URL.Query().Get("check") != "true" {
		respondJSON(w, http.StatusOK, domainView{EmailDomain: d})
		return
	}

	res, err := s.dns.Check(r.Context(), d)
	if err != nil {
		// Resolver trouble leaves the stored state untouched.
		logger.Warn("dns check failed", "domain", d.Domain, "error", err.Error())
		respondJSON(w, http.StatusOK, domainView{EmailDomain: d})
		return
	}

	s.applyDNSCheck(w, r, d, res)
}

// applyDNSCheck writes the refreshed verification state back and responds
// with the updated row plus per-record statuses.
func (s *Server) applyDNSCheck(w http.ResponseWriter, r *http.Request, d *domain.EmailDomain, res *dnscheck.CheckResult) {
	now := time.Now().UTC()
	status := d.Status
	if status == domain.DomainPending && res.TokenFound {
		status = domain.DomainVerified
	}
	canReceive := status == domain.DomainVerified && res.HasMX

	u := postgres.DomainUpdate{
		Status:           &status,
		HasMXRecords:     &res.HasMX,
		CanReceiveEmails: &canReceive,
		LastDNSCheck:     &now,
	}
	if err := s.domains.Update(r.Context(), d.UserID, d.ID, u); err != nil {
		respondDomainError(w, r, err)
		return
	}

	d.Status = status
	d.HasMXRecords = res.HasMX
	d.CanReceiveEmails = canReceive
	d.LastDNSCheck = &now
	respondJSON(w, http.StatusOK, domainView{EmailDomain: d, Records: res.Records})
}

// handleDeleteDomain tears a domain down: receipt rules first, then the
// mailer identity, then the rows. Mailer failures are warnings; the rows
// always go.
func (s *Server) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	d, err := s.domains.Get(r.Context(), userID, chi.URLParam(r, "domainID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	var warnings []string
	if res, err := s.receipts.RemoveAll(r.Context(), d); err != nil {
		respondDomainError(w, r, err)
		return
	} else if res.Warning != "" {
		warnings = append(warnings, res.Warning)
	}

	if err := s.identities.DeleteDomainIdentity(r.Context(), d.Domain); err != nil {
		logger.Warn("delete mailer identity failed", "domain", d.Domain, "error", err.Error())
		warnings = append(warnings, fmt.Sprintf("mailer identity not removed: %v", err))
	}

	if err := s.domains.Delete(r.Context(), userID, d.ID); err != nil {
		respondDomainError(w, r, err)
		return
	}

	logger.Info("domain deleted", "domain", d.Domain, "user_id", userID)
	respondJSON(w, http.StatusOK, opResult{Success: true, Warning: strings.Join(warnings, "; ")})
}

// handleDomainDNSRecords returns the records the owner must create, with
// live verification statuses when the resolver cooperates.
func (s *Server) handleDomainDNSRecords(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	d, err := s.domains.Get(r.Context(), userID, chi.URLParam(r, "domainID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	res, err := s.dns.Check(r.Context(), d)
	if err != nil {
		logger.Warn("dns check failed", "domain", d.Domain, "error", err.Error())
		records := s.dns.ExpectedRecords(d)
		for i := range records {
			records[i].Status = dnscheck.RecordPending
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"records": records,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"records":     res.Records,
		"token_found": res.TokenFound,
		"dkim_ready":  res.DKIMReady,
		"has_mx":      res.HasMX,
	})
}

type catchAllView struct {
	Success    bool    `json:"success"`
	Enabled    bool    `json:"enabled"`
	EndpointID *string `json:"endpoint_id"`
	RuleName   *string `json:"rule_name"`
}

func (s *Server) handleGetCatchAll(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	d, err := s.domains.Get(r.Context(), userID, chi.URLParam(r, "domainID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, catchAllView{
		Success:    true,
		Enabled:    d.IsCatchAllEnabled,
		EndpointID: d.CatchAllEndpointID,
		RuleName:   d.CatchAllRuleName,
	})
}

type enableCatchAllRequest struct {
	EndpointID string `json:"endpoint_id"`
}

func (s *Server) handleEnableCatchAll(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req enableCatchAllRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}
	if req.EndpointID == "" {
		respondDomainError(w, r, fmt.Errorf("endpoint_id is required: %w", domain.ErrInvalid))
		return
	}

	d, err := s.domains.Get(r.Context(), userID, chi.URLParam(r, "domainID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !d.IsVerified() {
		respondDomainError(w, r, fmt.Errorf("domain %s is not verified: %w", d.Domain, domain.ErrForbidden))
		return
	}
	if _, err := s.endpoints.Get(r.Context(), userID, req.EndpointID); err != nil {
		respondDomainError(w, r, err)
		return
	}

	res, err := s.receipts.EnableCatchAll(r.Context(), d, req.EndpointID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ruleOpView{Success: true, RuleName: res.RuleName, Status: res.Status, Warning: res.Warning})
}

func (s *Server) handleDisableCatchAll(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	d, err := s.domains.Get(r.Context(), userID, chi.URLParam(r, "domainID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	res, err := s.receipts.DisableCatchAll(r.Context(), d)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ruleOpView{Success: true, RuleName: res.RuleName, Status: res.Status, Warning: res.Warning})
}

// ruleOpView reports a receipt-rule operation, including any mailer-side
// warning the caller should re-converge.
type ruleOpView struct {
	Success  bool   `json:"success"`
	RuleName string `json:"rule_name,omitempty"`
	Status   string `json:"status,omitempty"`
	Warning  string `json:"warning,omitempty"`
}

// opResult is the generic mutation acknowledgment.
type opResult struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
}
