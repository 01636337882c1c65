package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		// The mailer callback authenticates with the shared service key,
		// not a user key.
		r.Group(func(r chi.Router) {
			r.Use(s.requireServiceKey)
			r.Post("/inbound/webhook", s.handleInboundCallback)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)

			r.Route("/domains", func(r chi.Router) {
				r.Get("/", s.handleListDomains)
				r.Post("/", s.handleCreateDomain)
				r.Route("/{domainID}", func(r chi.Router) {
					r.Get("/", s.handleGetDomain)
					r.Delete("/", s.handleDeleteDomain)
					r.Get("/dns-records", s.handleDomainDNSRecords)
					r.Get("/catch-all", s.handleGetCatchAll)
					r.Put("/catch-all", s.handleEnableCatchAll)
					r.Delete("/catch-all", s.handleDisableCatchAll)
				})
			})

			r.Route("/email-addresses", func(r chi.Router) {
				r.Get("/", s.handleListAddresses)
				r.Post("/", s.handleCreateAddress)
				r.Route("/{addressID}", func(r chi.Router) {
					r.Get("/", s.handleGetAddress)
					r.Put("/", s.handleUpdateAddress)
					r.Delete("/", s.handleDeleteAddress)
				})
			})

			r.Route("/endpoints", func(r chi.Router) {
				r.Get("/", s.handleListEndpoints)
				r.Post("/", s.handleCreateEndpoint)
				r.Route("/{endpointID}", func(r chi.Router) {
					r.Get("/", s.handleGetEndpoint)
					r.Put("/", s.handleUpdateEndpoint)
					r.Delete("/", s.handleDeleteEndpoint)
					r.Post("/test", s.handleTestEndpoint)
				})
			})

			r.Route("/emails", func(r chi.Router) {
				r.Get("/", s.handleListEmails)
				r.Post("/", s.handleSendEmail)

				// Static segments before the {emailID} wildcard.
				r.Get("/sent", s.handleListSent)
				r.Get("/sent/{sentID}", s.handleGetSent)
				r.Get("/scheduled", s.handleListScheduled)
				r.Get("/schedule/{scheduledID}", s.handleGetScheduled)
				r.Delete("/schedule/{scheduledID}", s.handleCancelScheduled)

				r.Route("/{emailID}", func(r chi.Router) {
					r.Get("/", s.handleGetEmail)
					r.Post("/read", s.handleMarkRead)
					r.Post("/archive", s.handleArchiveEmail)
					r.Post("/unarchive", s.handleUnarchiveEmail)
					r.Get("/thread", s.handleGetThread)
					r.Post("/reply", s.handleReplyEmail)
				})
			})

			r.Route("/webhooks", func(r chi.Router) {
				r.Get("/", s.handleListWebhooks)
				r.Post("/", s.handleCreateWebhook)
				r.Route("/{webhookID}", func(r chi.Router) {
					r.Get("/", s.handleGetWebhook)
					r.Put("/", s.handleUpdateWebhook)
					r.Delete("/", s.handleDeleteWebhook)
					r.Post("/test", s.handleTestWebhook)
				})
			})
		})
	})

	return r
}
