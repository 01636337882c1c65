package api

import (
	"net/http"

	"github.com/inboundemail/inbound-sub004/internal/ingest"
	"github.com/inboundemail/inbound-sub004/internal/pkg/logger"
)

// handleInboundCallback receives the mailer's post-receipt callback. Once
// the payload validates, the response is always 200: per-record and
// per-recipient failures ride in the body so the mailer never retries a
// batch we already absorbed.
func (s *Server) handleInboundCallback(w http.ResponseWriter, r *http.Request) {
	var payload ingest.CallbackPayload
	if err := decodeBody(r, &payload); err != nil {
		respondDomainError(w, r, err)
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), &payload)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	if result.Rejected > 0 {
		logger.Warn("ingest finished with rejections",
			"processed", result.Processed, "rejected", result.Rejected)
	}
	respondJSON(w, http.StatusOK, result)
}
