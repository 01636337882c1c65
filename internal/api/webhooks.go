package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/pkg/validate"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
)

type createWebhookRequest struct {
	Name          string  `json:"name"`
	URL           string  `json:"url"`
	Secret        *string `json:"secret"`
	Description   *string `json:"description"`
	Timeout       *int    `json:"timeout"`
	RetryAttempts *int    `json:"retry_attempts"`
}

type updateWebhookRequest struct {
	Name          *string `json:"name"`
	URL           *string `json:"url"`
	Description   *string `json:"description"`
	IsActive      *bool   `json:"is_active"`
	Timeout       *int    `json:"timeout"`
	RetryAttempts *int    `json:"retry_attempts"`
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)

	hooks, total, err := s.webhooks.List(r.Context(), userID, limit, offset)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondList(w, hooks, total, limit, offset)
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondDomainError(w, r, fmt.Errorf("name is required: %w", domain.ErrInvalid))
		return
	}
	if err := validate.Var(req.URL, "required,url"); err != nil {
		respondDomainError(w, r, fmt.Errorf("url must be a valid URL: %w", domain.ErrInvalid))
		return
	}

	wh := &domain.Webhook{
		UserID:        userID,
		Name:          name,
		URL:           req.URL,
		Secret:        req.Secret,
		Description:   req.Description,
		IsActive:      true,
		Timeout:       domain.WebhookTimeoutDefault,
		RetryAttempts: 3,
	}
	if req.Timeout != nil {
		if err := webhookTimeoutValid(*req.Timeout); err != nil {
			respondDomainError(w, r, err)
			return
		}
		wh.Timeout = *req.Timeout
	}
	if req.RetryAttempts != nil {
		if err := webhookRetriesValid(*req.RetryAttempts); err != nil {
			respondDomainError(w, r, err)
			return
		}
		wh.RetryAttempts = *req.RetryAttempts
	}

	id, err := s.webhooks.Create(r.Context(), wh)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	created, err := s.webhooks.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	wh, err := s.webhooks.Get(r.Context(), userID, chi.URLParam(r, "webhookID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, wh)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "webhookID")

	var req updateWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}

	if req.URL != nil {
		if err := validate.Var(*req.URL, "required,url"); err != nil {
			respondDomainError(w, r, fmt.Errorf("url must be a valid URL: %w", domain.ErrInvalid))
			return
		}
	}
	if req.Timeout != nil {
		if err := webhookTimeoutValid(*req.Timeout); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}
	if req.RetryAttempts != nil {
		if err := webhookRetriesValid(*req.RetryAttempts); err != nil {
			respondDomainError(w, r, err)
			return
		}
	}

	u := postgres.WebhookUpdate{
		Name:          req.Name,
		URL:           req.URL,
		Description:   req.Description,
		IsActive:      req.IsActive,
		Timeout:       req.Timeout,
		RetryAttempts: req.RetryAttempts,
	}
	if err := s.webhooks.Update(r.Context(), userID, id, u); err != nil {
		respondDomainError(w, r, err)
		return
	}

	updated, err := s.webhooks.Get(r.Context(), userID, id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	if err := s.webhooks.Delete(r.Context(), userID, chi.URLParam(r, "webhookID")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, opResult{Success: true})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	wh, err := s.webhooks.Get(r.Context(), userID, chi.URLParam(r, "webhookID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	res, err := s.tester.TestDeliverLegacy(r.Context(), wh)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func webhookTimeoutValid(v int) error {
	if v < domain.WebhookTimeoutMin || v > domain.WebhookTimeoutMax {
		return fmt.Errorf("timeout must be between %d and %d seconds: %w",
			domain.WebhookTimeoutMin, domain.WebhookTimeoutMax, domain.ErrInvalid)
	}
	return nil
}

func webhookRetriesValid(v int) error {
	if v < 0 || v > domain.WebhookRetryMax {
		return fmt.Errorf("retry_attempts must be between 0 and %d: %w",
			domain.WebhookRetryMax, domain.ErrInvalid)
	}
	return nil
}
