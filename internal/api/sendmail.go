package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/outbound"
)

// sendEmailRequest is the send body plus the optional scheduling fields.
type sendEmailRequest struct {
	outbound.SendRequest
	ScheduledAt *string `json:"scheduled_at"`
	Timezone    string  `json:"timezone"`
}

// handleSendEmail dispatches immediately, or persists a deferred send when
// scheduled_at is present. The Idempotency-Key header makes retries safe in
// both modes.
func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req sendEmailRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = &key
	}

	if req.ScheduledAt != nil && *req.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			respondDomainError(w, r, fmt.Errorf("scheduled_at must be RFC 3339: %w", domain.ErrInvalid))
			return
		}
		m, err := s.sender.Schedule(r.Context(), userID, &req.SendRequest, at, req.Timezone)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, m)
		return
	}

	rec, err := s.sender.Send(r.Context(), userID, &req.SendRequest)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleReplyEmail(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req outbound.ReplyRequest
	if err := decodeBody(r, &req); err != nil {
		respondDomainError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = &key
	}

	rec, err := s.sender.Reply(r.Context(), userID, chi.URLParam(r, "emailID"), &req)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListSent(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)

	sent, total, err := s.sent.List(r.Context(), userID, limit, offset)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondList(w, sent, total, limit, offset)
}

func (s *Server) handleGetSent(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	rec, err := s.sent.Get(r.Context(), userID, chi.URLParam(r, "sentID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)

	scheduled, total, err := s.scheduled.List(r.Context(), userID, r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondList(w, scheduled, total, limit, offset)
}

func (s *Server) handleGetScheduled(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	rec, err := s.scheduled.Get(r.Context(), userID, chi.URLParam(r, "scheduledID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleCancelScheduled cancels a deferred send that has not been claimed
// yet. Rows already processing, sent, or cancelled answer 409.
func (s *Server) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	id := chi.URLParam(r, "scheduledID")

	if err := s.scheduled.Cancel(r.Context(), userID, id); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"id":      id,
		"status":  string(domain.ScheduleCancelled),
	})
}
