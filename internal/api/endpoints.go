package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/validate"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
)

type createEndpointRequest struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description *string         `json:"description"`
	Config      json.RawMessage `json:"config"`
}

type updateEndpointRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	IsActive    *bool           `json:"is_active"`
	Config      json.RawMessage `json:"config"`
}

// endpointView exposes the config as a JSON object rather than the stored
// string, and carries group members for email_group endpoints.
type endpointView struct {
	*domain.Endpoint
	Config      json.RawMessage `json:"config"`
	GroupEmails []string        `json:"group_emails,omitempty"`
}

func newEndpointView(e *domain.Endpoint, groupEmails []string) endpointView {
	return endpointView{Endpoint: e, Config: json.RawMessage(e.Config), GroupEmails: groupEmails}
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)

	f := postgres.EndpointFilter{
		Type:   r.URL.Query().Get("type"),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("active"); v != "" {
		b := v == "true"
		f.Active = &b
	}

	endpoints, total, err := s.endpoints.List(r.Context(), userID, f)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	// One query hydrates every group's members.
	var groupIDs []string
	for i := range endpoints {
		if endpoints[i].Type == domain.EndpointEmailGroup {
			groupIDs = append(groupIDs, endpoints[i].ID)
		}
	}
	groups := map[string][]string{}
	if len(groupIDs) > 0 {
		groups, err = s.endpoints.GroupEmailsForEndpoints(r.Context(), groupIDs)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
	}

	views := make([]endpointView, 0, len(endpoints))
	for i := range endpoints {
		views = append(views, newEndpointView(&endpoints[i], groups[endpoints[i].ID]))
	}
	respondList(w, views, total, limit, offset)
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondDomainError(w, r, fmt.Errorf("name is required: %w", domain.ErrInvalid))
		return
	}
	epType := domain.EndpointType(req.Type)
	if !epType.Valid() {
		respondDomainError(w, r, fmt.Errorf("type must be one of webhook, email, email_group: %w", domain.ErrInvalid))
		return
	}

	cfg, groupEmails, err := normalizeEndpointConfig(epType, req.Config)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	e := &domain.Endpoint{
		UserID:      userID,
		Name:        name,
		Type:        epType,
		Description: req.Description,
		Config:      cfg,
		IsActive:    true,
	}
	id, err := s.endpoints.Create(r.Context(), e, groupEmails)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	created, err := s.endpoints.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newEndpointView(created, groupEmails))
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	e, err := s.endpoints.Get(r.Context(), userID, chi.URLParam(r, "endpointID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	var groupEmails []string
	if e.Type == domain.EndpointEmailGroup {
		groupEmails, err = s.endpoints.GroupEmails(r.Context(), e.ID)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, newEndpointView(e, groupEmails))
}

// handleUpdateEndpoint updates mutable endpoint fields. The type is fixed
// at creation; a replacement config is validated against it.
func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "endpointID")

	var req updateEndpointRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	e, err := s.endpoints.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	u := postgres.EndpointUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	}
	if len(req.Config) > 0 {
		cfg, groupEmails, err := normalizeEndpointConfig(e.Type, req.Config)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		u.Config = &cfg
		u.GroupEmails = groupEmails
	}

	if err := s.endpoints.Update(r.Context(), userID, id, u); err != nil {
		respondDomainError(w, r, err)
		return
	}

	updated, err := s.endpoints.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	var groupEmails []string
	if updated.Type == domain.EndpointEmailGroup {
		if groupEmails, err = s.endpoints.GroupEmails(r.Context(), updated.ID); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, newEndpointView(updated, groupEmails))
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	cleanup, err := s.endpoints.Delete(r.Context(), userID, chi.URLParam(r, "endpointID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":              true,
		"group_emails_deleted": cleanup.GroupEmailsDeleted,
		"deliveries_deleted":   cleanup.DeliveriesDeleted,
	})
}

// handleTestEndpoint fires one signed synthetic delivery at a webhook
// endpoint and reports the outcome without touching stats.
func (s *Server) handleTestEndpoint(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	e, err := s.endpoints.Get(r.Context(), userID, chi.URLParam(r, "endpointID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if e.Type != domain.EndpointWebhook {
		respondDomainError(w, r, fmt.Errorf("only webhook endpoints support test deliveries: %w", domain.ErrInvalid))
		return
	}

	res, err := s.tester.TestDeliver(r.Context(), e)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// normalizeEndpointConfig validates a type-specific config document and
// returns its canonical stored form, plus the group members for
// email_group endpoints.
func normalizeEndpointConfig(t domain.EndpointType, raw json.RawMessage) (string, []string, error) {
	if len(raw) == 0 {
		return "", nil, fmt.Errorf("config is required: %w", domain.ErrInvalid)
	}

	switch t {
	case domain.EndpointWebhook:
		var c domain.WebhookEndpointConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", nil, fmt.Errorf("invalid webhook config: %w", domain.ErrInvalid)
		}
		if err := validate.Validate(c); err != nil {
			return "", nil, fmt.Errorf("%v: %w", err, domain.ErrInvalid)
		}
		return marshalConfig(c), nil, nil

	case domain.EndpointEmail:
		var c domain.EmailEndpointConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", nil, fmt.Errorf("invalid email config: %w", domain.ErrInvalid)
		}
		c.Email = domain.NormalizeAddress(c.Email)
		if err := validate.Validate(c); err != nil {
			return "", nil, fmt.Errorf("%v: %w", err, domain.ErrInvalid)
		}
		return marshalConfig(c), nil, nil

	case domain.EndpointEmailGroup:
		var c domain.EmailGroupEndpointConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return "", nil, fmt.Errorf("invalid email_group config: %w", domain.ErrInvalid)
		}
		// Normalize before the uniqueness check so case variants collide.
		for i := range c.Emails {
			c.Emails[i] = domain.NormalizeAddress(c.Emails[i])
		}
		if err := validate.Validate(c); err != nil {
			return "", nil, fmt.Errorf("%v: %w", err, domain.ErrInvalid)
		}
		return marshalConfig(c), c.Emails, nil
	}
	return "", nil, fmt.Errorf("invalid endpoint type %q: %w", t, domain.ErrInvalid)
}

func marshalConfig(c interface{}) string {
	b, _ := json.Marshal(c)
	return string(b)
}
