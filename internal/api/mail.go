package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inboundemail/inbound-sub004/internal/domain"
	"github.com/inboundemail/inbound-sub004/internal/repository/postgres"
)

// emailView is the detail shape: the envelope row, its parsed form when
// available, and every dispatch attempt.
type emailView struct {
	*domain.ReceivedEmail
	Parsed     *domain.StructuredEmail   `json:"parsed,omitempty"`
	Deliveries []domain.EndpointDelivery `json:"deliveries,omitempty"`
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	limit, offset := pagination(r)
	q := r.URL.Query()

	f := postgres.EmailFilter{
		Status:    q.Get("status"),
		Recipient: q.Get("recipient"),
		Domain:    q.Get("domain"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("read"); v != "" {
		b := v == "true"
		f.IsRead = &b
	}
	// Archived mail stays out of listings unless asked for.
	if q.Get("include_archived") != "true" {
		archived := false
		f.IsArchived = &archived
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err == nil {
			f.Until = &t
		}
	}

	emails, total, err := s.mail.List(r.Context(), userID, f)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondList(w, emails, total, limit, offset)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	m, err := s.mail.Get(r.Context(), userID, chi.URLParam(r, "emailID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	view := emailView{ReceivedEmail: m}

	parsed, err := s.parsed.GetByEmailID(r.Context(), m.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		respondDomainError(w, r, err)
		return
	}
	view.Parsed = parsed

	deliveries, err := s.deliveries.ListByEmail(r.Context(), m.ID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	view.Deliveries = deliveries

	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	if err := s.mail.MarkRead(r.Context(), userID, chi.URLParam(r, "emailID")); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, opResult{Success: true})
}

func (s *Server) handleArchiveEmail(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, true)
}

func (s *Server) handleUnarchiveEmail(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, false)
}

func (s *Server) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	userID := UserIDFromContext(r.Context())

	if err := s.mail.SetArchived(r.Context(), userID, chi.URLParam(r, "emailID"), archived); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, opResult{Success: true})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	messages, err := s.threads.Assemble(r.Context(), userID, chi.URLParam(r, "emailID"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": messages,
		"count":    len(messages),
	})
}
